package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/jingkaihe/skillbox/pkg/presenter"
	"github.com/jingkaihe/skillbox/pkg/skills"
)

var skillCmd = &cobra.Command{
	Use:   "skill",
	Short: "Manage skills",
	Long:  `Upload, list, inspect, enable, disable, delete, run and export skills.`,
}

var skillUploadCmd = withTracing(&cobra.Command{
	Use:   "upload <archive.zip|directory>",
	Short: "Upload a skill archive",
	Long: `Upload a skill from a zip archive or a local directory containing a SKILL.md.
The skill id is derived from the name in SKILL.md. Uploading a skill whose id already
exists fails unless --replace is given.

Examples:
  skillbox skill upload pdf-tools.zip
  skillbox skill upload ./pdf-tools --replace`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		replace, _ := cmd.Flags().GetBool("replace")
		archive, err := readSkillSource(args[0])
		if err != nil {
			return err
		}

		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		meta, err := a.Manager.UploadSkill(cmd.Context(), archive, replace)
		var conflict *skills.ConflictError
		if errors.As(err, &conflict) {
			return errors.Errorf("%s (use --replace to overwrite)", conflict.Error())
		}
		if err != nil {
			return err
		}
		presenter.Success(fmt.Sprintf("Uploaded %s (%s) version %s", meta.Name, meta.ID, meta.Version))
		return nil
	},
})

// readSkillSource returns zip bytes for an archive path or packs a directory.
func readSkillSource(p string) ([]byte, error) {
	info, err := os.Stat(p)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read skill source")
	}
	if !info.IsDir() {
		return os.ReadFile(p)
	}
	return skills.PackDir(p)
}

var skillListCmd = &cobra.Command{
	Use:   "list",
	Short: "List skills",
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

		metas, err := a.Manager.GetAllSkills(cmd.Context())
		if err != nil {
			return err
		}
		return render(format, metas, func() {
			if len(metas) == 0 {
				presenter.Info("No skills installed")
				return
			}
			rows := make([][]string, 0, len(metas))
			for _, m := range metas {
				rows = append(rows, []string{m.ID, m.Name, m.Version, enabledLabel(m.Enabled), m.UploadedAt.Local().Format("2006-01-02 15:04")})
			}
			presenter.Table([]string{"ID", "NAME", "VERSION", "STATUS", "UPLOADED"}, rows)
		})
	},
}

var skillShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a skill's metadata, instructions and files",
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

		skill, err := a.Manager.GetSkill(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return render(format, skill, func() {
			presenter.Section(fmt.Sprintf("%s (%s)", skill.Name, skill.ID))
			presenter.Table([]string{"FIELD", "VALUE"}, [][]string{
				{"Description", skill.Description},
				{"Version", skill.Version},
				{"Status", enabledLabel(skill.Enabled)},
				{"Uploaded", skill.UploadedAt.Local().Format("2006-01-02 15:04:05")},
			})
			for _, group := range []struct {
				title string
				files []string
			}{
				{"Scripts", skill.Scripts},
				{"References", skill.References},
				{"Assets", skill.Assets},
			} {
				if len(group.files) == 0 {
					continue
				}
				presenter.Info("")
				presenter.Section(group.title)
				presenter.Info(strings.Join(group.files, "\n"))
			}
			presenter.Info("")
			presenter.Separator()
			presenter.Info(strings.TrimSpace(skill.Body))
		})
	},
}

func setEnabledCmd(enable bool) *cobra.Command {
	use, short := "disable <id>", "Disable a skill"
	if enable {
		use, short = "enable <id>", "Enable a skill"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if enable {
				err = a.Manager.EnableSkill(cmd.Context(), args[0])
			} else {
				err = a.Manager.DisableSkill(cmd.Context(), args[0])
			}
			if err != nil {
				return err
			}
			presenter.Success(fmt.Sprintf("Skill %s %s", args[0], enabledLabel(enable)))
			return nil
		},
	}
}

var skillDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a skill and all of its files",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		yes, _ := cmd.Flags().GetBool("yes")
		if !yes {
			if !presenter.Confirm(fmt.Sprintf("Delete skill %s and all of its files?", args[0])) {
				presenter.Warning("Aborted")
				return nil
			}
		}

		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Manager.DeleteSkill(cmd.Context(), args[0]); err != nil {
			return err
		}
		presenter.Success(fmt.Sprintf("Deleted skill %s", args[0]))
		return nil
	},
}

var skillExecCmd = withTracing(&cobra.Command{
	Use:   "exec <skill> <script> [json-args]",
	Short: "Run a skill script in the sandbox",
	Long: `Run a script of an enabled skill inside the sandbox and print its result as JSON.
The script is resolved under the skill's scripts/ directory; arguments are a JSON value
passed to the script's main function.

Examples:
  skillbox skill exec echo echo.js '{"text": "hi"}'
  skillbox skill exec skill-creator scripts/scaffold.js '{"name": "Greeter"}'`,
	Args: cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		var input any
		if len(args) == 3 {
			if err := json.Unmarshal([]byte(args[2]), &input); err != nil {
				return errors.Wrap(err, "arguments must be valid JSON")
			}
		}

		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		result, err := a.Manager.ExecuteSkillScript(cmd.Context(), args[0], args[1], input)
		if err != nil {
			return err
		}
		return printJSON(result)
	},
})

var skillExportCmd = &cobra.Command{
	Use:   "export <id>",
	Short: "Export a skill as a zip archive",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out, _ := cmd.Flags().GetString("file")
		if out == "" {
			out = args[0] + ".zip"
		}

		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		data, err := a.Storage.PackSkill(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if err := os.WriteFile(out, data, 0o644); err != nil {
			return errors.Wrap(err, "failed to write archive")
		}
		abs, _ := filepath.Abs(out)
		presenter.Success(fmt.Sprintf("Exported %s to %s", args[0], abs))
		return nil
	},
}

func init() {
	skillUploadCmd.Flags().Bool("replace", false, "Replace an existing skill with the same id")
	addOutputFlag(skillListCmd)
	addOutputFlag(skillShowCmd)
	skillDeleteCmd.Flags().BoolP("yes", "y", false, "Do not ask for confirmation")
	skillExportCmd.Flags().StringP("file", "f", "", "Output file (defaults to <id>.zip)")

	skillCmd.AddCommand(
		skillUploadCmd,
		skillListCmd,
		skillShowCmd,
		setEnabledCmd(true),
		setEnabledCmd(false),
		skillDeleteCmd,
		skillExecCmd,
		skillExportCmd,
	)
}
