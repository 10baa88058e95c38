package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/jingkaihe/skillbox/pkg/presenter"
	"github.com/jingkaihe/skillbox/pkg/vfs"
)

var fsCmd = &cobra.Command{
	Use:   "fs",
	Short: "Inspect the skill filesystem",
	Long:  `Browse the durable virtual filesystem that holds skill files.`,
}

var fsTreeCmd = &cobra.Command{
	Use:   "tree <skill-id>",
	Short: "Print a skill's file tree",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := outputFormat(cmd)
		if err != nil {
			return err
		}
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		root, err := a.Storage.Tree(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return render(format, root, func() {
			fmt.Println(root.Path)
			printTree(root, "")
		})
	},
}

func printTree(n *vfs.Node, indent string) {
	for i, c := range n.Children {
		branch, next := "├── ", "│   "
		if i == len(n.Children)-1 {
			branch, next = "└── ", "    "
		}
		label := c.Name
		if c.IsDir {
			label += "/"
		} else {
			label = fmt.Sprintf("%s (%s)", label, humanBytes(c.Size))
		}
		fmt.Println(indent + branch + label)
		if c.IsDir {
			printTree(c, indent+next)
		}
	}
}

var fsLsCmd = &cobra.Command{
	Use:   "ls [path]",
	Short: "List a directory",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p := "/"
		if len(args) == 1 {
			p = args[0]
		}
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		names, err := a.FS.Readdir(p)
		if err != nil {
			return err
		}
		rows := make([][]string, 0, len(names))
		for _, name := range names {
			info, err := a.FS.Stat(vfs.Join(p, name))
			if err != nil {
				return err
			}
			size := humanBytes(info.Size)
			if info.IsDir {
				name += "/"
				size = "-"
			}
			rows = append(rows, []string{name, size, info.ModTime.Local().Format("2006-01-02 15:04")})
		}
		presenter.Table([]string{"NAME", "SIZE", "MODIFIED"}, rows)
		return nil
	},
}

var fsCatCmd = &cobra.Command{
	Use:   "cat <path>",
	Short: "Print a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		data, err := a.FS.ReadFile(args[0])
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(data)
		return err
	},
}

var fsDuCmd = &cobra.Command{
	Use:   "du",
	Short: "Show disk usage per skill",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		format, err := outputFormat(cmd)
		if err != nil {
			return err
		}
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		usage, err := a.Storage.Usage(cmd.Context())
		if err != nil {
			return err
		}
		return render(format, usage, func() {
			ids := make([]string, 0, len(usage))
			var total int64
			for id, n := range usage {
				ids = append(ids, id)
				total += n
			}
			sort.Strings(ids)
			rows := make([][]string, 0, len(ids)+1)
			for _, id := range ids {
				rows = append(rows, []string{id, humanBytes(usage[id])})
			}
			rows = append(rows, []string{"TOTAL", humanBytes(total)})
			presenter.Table([]string{"SKILL", "SIZE"}, rows)
		})
	},
}

func init() {
	addOutputFlag(fsTreeCmd)
	addOutputFlag(fsDuCmd)
	fsCmd.AddCommand(fsTreeCmd, fsLsCmd, fsCatCmd, fsDuCmd)
}
