package bridge

import (
	"context"
	"encoding/json"

	"github.com/invopop/jsonschema"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"

	"github.com/jingkaihe/skillbox/pkg/logger"
)

// ToolDefinition is a tool a skill script registers with the host agent.
type ToolDefinition struct {
	Name        string             `mapstructure:"name" json:"name"`
	Description string             `mapstructure:"description" json:"description"`
	Script      string             `mapstructure:"script" json:"script,omitempty"`
	RawSchema   map[string]any     `mapstructure:"inputSchema" json:"-"`
	InputSchema *jsonschema.Schema `mapstructure:"-" json:"inputSchema,omitempty"`
	SkillID     string             `mapstructure:"-" json:"skillId"`
}

// ToolRegistrar receives tool definitions from scripts.
type ToolRegistrar interface {
	RegisterTool(ctx context.Context, def ToolDefinition) error
}

// ToolRegistrarFunc adapts a function to ToolRegistrar.
type ToolRegistrarFunc func(ctx context.Context, def ToolDefinition) error

// RegisterTool calls f.
func (f ToolRegistrarFunc) RegisterTool(ctx context.Context, def ToolDefinition) error {
	return f(ctx, def)
}

// DecodeToolDefinition converts a script-provided object into a definition.
func DecodeToolDefinition(raw any) (ToolDefinition, error) {
	var def ToolDefinition
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &def,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return def, errors.Wrap(err, "failed to create tool decoder")
	}
	if err := decoder.Decode(raw); err != nil {
		return def, errors.Wrap(err, "invalid tool definition")
	}
	if def.Name == "" {
		return def, errors.New("tool definition requires a name")
	}
	if def.RawSchema != nil {
		data, err := json.Marshal(def.RawSchema)
		if err != nil {
			return def, errors.Wrap(err, "invalid input schema")
		}
		schema := &jsonschema.Schema{}
		if err := json.Unmarshal(data, schema); err != nil {
			return def, errors.Wrap(err, "invalid input schema")
		}
		def.InputSchema = schema
	}
	return def, nil
}

func (b *Bridge) registerTool(args []any) (any, error) {
	log := logger.G(b.ctx).WithField("skill_id", b.skillID)
	def, err := DecodeToolDefinition(argAt(args, 0))
	if err != nil {
		return map[string]any{"success": false, "error": err.Error()}, nil
	}
	def.SkillID = b.skillID

	if b.registrar == nil {
		log.WithField("tool", def.Name).Warn("registerTool called but no tool registrar is configured")
		return map[string]any{"success": false, "error": "tool registration is not available"}, nil
	}
	if err := b.registrar.RegisterTool(b.ctx, def); err != nil {
		return map[string]any{"success": false, "error": err.Error()}, nil
	}
	log.WithField("tool", def.Name).Info("registered tool")
	return map[string]any{"success": true, "name": def.Name}, nil
}
