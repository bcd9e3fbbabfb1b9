package excel

import (
	"context"
	"time"

	"energyagent/domain/core"
	"energyagent/internal/tools"
	"energyagent/ports"
)

// ProfileToolName is the registry name of the profiling tool.
const ProfileToolName = "profile_tabular"

// ProfileInput is the input schema of profile_tabular.
type ProfileInput struct {
	Path    string `json:"path" validate:"required"`
	MaxRows int    `json:"max_rows,omitempty" validate:"gte=0"`
}

// NewProfileTool wraps loader as the profile_tabular tool. The response
// payload is a tabular.FileProfile.
func NewProfileTool(loader ports.TabularLoader, timeout time.Duration) ports.Tool {
	return tools.NewFunc(ProfileToolName,
		"Profile the columns of a CSV or Excel file and detect cash-flow / energy-flow sheets",
		timeout,
		func(ctx context.Context, in *ProfileInput) (map[string]interface{}, error) {
			maxRows := in.MaxRows
			if maxRows == 0 {
				maxRows = DefaultMaxRows
			}
			data, err := loader.Load(ctx, in.Path, maxRows)
			switch {
			case core.IsNotFoundError(err):
				return nil, tools.MissingFile(in.Path)
			case core.IsParseError(err):
				return nil, tools.ParseFailure(in.Path, err)
			case err != nil:
				return nil, err
			}
			return tools.ToData(Profile(data))
		})
}
