package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/conneroisu/rtdebridge/internal/recipe"
)

var recipeFormat string

var recipeCmd = &cobra.Command{
	Use:   "recipe [file]",
	Short: "List the recipes in a recipe file",
	Long: `Parse a recipe file and print each recipe with its ordered fields.
Without an argument the configured recipe.file is used.

Examples:
  rtde-bridge recipe
  rtde-bridge recipe control_loop_configuration.xml --format json
  rtde-bridge recipe recipes.yml --format yaml`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRecipe,
}

func init() {
	rootCmd.AddCommand(recipeCmd)

	recipeCmd.Flags().StringVarP(&recipeFormat, "format", "f", "text", "Output format (text, json, yaml)")
}

func runRecipe(cmd *cobra.Command, args []string) error {
	path := viper.GetString("recipe.file")
	if len(args) == 1 {
		path = args[0]
	}
	if path == "" {
		return fmt.Errorf("no recipe file given")
	}

	src, err := recipe.LoadFile(path)
	if err != nil {
		return err
	}
	return writeRecipes(cmd.OutOrStdout(), recipeFormat, src.Recipes())
}

func writeRecipes(w io.Writer, format string, recipes []recipe.Recipe) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]interface{}{"recipes": recipes})
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(map[string]interface{}{"recipes": recipes}); err != nil {
			return err
		}
		return enc.Close()
	case "text":
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		for i, r := range recipes {
			if i > 0 {
				fmt.Fprintln(tw)
			}
			fmt.Fprintf(tw, "%s (%d fields)\n", r.Key, len(r.Fields))
			for _, f := range r.Fields {
				fmt.Fprintf(tw, "  %s\t%s\n", f.Name, f.Type)
			}
		}
		return tw.Flush()
	default:
		return fmt.Errorf("unsupported format: %s (supported: text, json, yaml)", format)
	}
}
