package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/CosmoTheDev/ctrlscan-relay/internal/config"
	"github.com/CosmoTheDev/ctrlscan-relay/internal/templates"
)

var (
	templateOut string
	forceWrite  bool
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View and manage ctrlscan-relay configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration (secrets redacted)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(cfg.Redacted())
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the path to the config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := config.ConfigPath(cfgFile)
		if err != nil {
			return err
		}
		fmt.Println(p)
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the effective configuration to the config file",
	Long: `Writes the current configuration (defaults, config file and
environment merged) to the config file so it can be edited. Existing files
are kept unless --force is given.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		p, err := config.ConfigPath(cfgFile)
		if err != nil {
			return err
		}
		if _, err := os.Stat(p); err == nil && !forceWrite {
			return fmt.Errorf("%s already exists (use --force to overwrite)", p)
		}
		if err := config.Save(cfg, cfgFile); err != nil {
			return fmt.Errorf("saving config: %w", err)
		}
		fmt.Println(successStyle.Render("Config written to " + p))
		return nil
	},
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open the config file in $EDITOR",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := config.ConfigPath(cfgFile)
		if err != nil {
			return err
		}
		editor := os.Getenv("EDITOR")
		if editor == "" {
			editor = "nano"
		}
		fmt.Printf("Opening %s with %s...\n", p, editor)
		c := exec.Command(editor, p) // #nosec G204 -- editor is from $EDITOR env var, intentional user-controlled binary
		c.Stdin = os.Stdin
		c.Stdout = os.Stdout
		c.Stderr = os.Stderr
		return c.Run()
	},
}

var configTemplateCmd = &cobra.Command{
	Use:   "template",
	Short: "Write the bundled ticket template for customisation",
	Long: `Writes the bundled ticket template (YAML frontmatter plus a markdown
body) to --out, default ~/.ctrlscan-relay/ticket.md. Point
tracker.template_path at the file to use it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := templateOut
		if out == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return err
			}
			out = filepath.Join(home, config.DefaultConfigDir, "ticket.md")
		}
		if out == "-" {
			_, err := os.Stdout.Write(templates.DefaultSource())
			return err
		}
		if forceWrite {
			if err := os.MkdirAll(filepath.Dir(out), 0o750); err != nil {
				return fmt.Errorf("creating %s: %w", filepath.Dir(out), err)
			}
			if err := os.WriteFile(out, templates.DefaultSource(), 0o640); err != nil {
				return err
			}
		} else if err := templates.WriteDefault(out); err != nil {
			return err
		}
		fmt.Println(successStyle.Render("Template written to " + out))
		fmt.Println(dimStyle.Render("Set tracker.template_path to " + out + " to use it."))
		return nil
	},
}

func init() {
	configTemplateCmd.Flags().StringVarP(&templateOut, "out", "o", "",
		`output path ("-" for stdout)`)
	configTemplateCmd.Flags().BoolVar(&forceWrite, "force", false,
		"overwrite an existing file")
	configInitCmd.Flags().BoolVar(&forceWrite, "force", false,
		"overwrite an existing file")

	configCmd.AddCommand(configShowCmd, configPathCmd, configInitCmd, configEditCmd, configTemplateCmd)
}
