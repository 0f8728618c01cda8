package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/piwi3910/cascade/pkg/policy"
)

func newInitCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a Cascade workspace",
		Long: `Initialize a workspace in the current directory: an example pipeline
definition, an environment file, the SQLite state store, and a policies
directory seeded with the built-in policy sources as references for
writing custom ones.

Existing files are left untouched, so init is safe to re-run.`,
		Example: `  # Scaffold a workspace in the current directory
  cascade init

  # Scaffold against custom paths
  cascade init --config deploy/cascade.cue --state deploy/cascade.db`,
		Args: noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			log.Info().
				Str("config", pipelinePath).
				Str("state", statePath).
				Msg("Initializing workspace")

			fmt.Printf("Initializing Cascade workspace\n\n")

			// Step 1: Example pipeline definition
			created, err := writeFileIfAbsent(pipelinePath, []byte(examplePipeline), 0644)
			if err != nil {
				return err
			}
			if created {
				fmt.Printf("✓ Created pipeline definition: %s\n", pipelinePath)
			} else {
				fmt.Printf("✓ Pipeline definition already exists: %s\n", pipelinePath)
			}

			// Step 2: Environment file. It may come to hold secret
			// references, so it is written owner-readable only.
			created, err = writeFileIfAbsent(envPath, []byte(exampleEnvironment), 0600)
			if err != nil {
				return err
			}
			if created {
				fmt.Printf("✓ Created environment file: %s\n", envPath)
			} else {
				fmt.Printf("✓ Environment file already exists: %s\n", envPath)
			}

			// Step 3: State store
			store, err := openStore(ctx)
			if err != nil {
				return fmt.Errorf("failed to initialize state store: %w", err)
			}
			if err := store.Close(); err != nil {
				return err
			}
			fmt.Printf("✓ Initialized state store: %s\n", statePath)

			// Step 4: Policy directory with the built-in sources
			if err := os.MkdirAll(policyDir, 0755); err != nil {
				return fmt.Errorf("failed to create policy directory: %w", err)
			}
			fmt.Printf("✓ Created policy directory: %s\n", policyDir)

			for _, p := range policy.GetBuiltinPolicies() {
				path := filepath.Join(policyDir, p.Name+".rego")
				content := fmt.Sprintf("# %s\n# Built into cascade; this copy is a reference for writing custom policies.\n%s\n",
					p.Description, p.Rego)
				created, err := writeFileIfAbsent(path, []byte(content), 0644)
				if err != nil {
					return err
				}
				if created {
					fmt.Printf("✓ Wrote policy reference: %s\n", path)
				}
			}

			// Done
			fmt.Printf("\n✅ Workspace initialized successfully!\n\n")
			fmt.Printf("Next steps:\n")
			fmt.Printf("  1. Describe your deployment in %s\n\n", pipelinePath)
			fmt.Printf("  2. Check the definition and policies:\n")
			fmt.Printf("     cascade validate\n\n")
			fmt.Printf("  3. Preview, then apply:\n")
			fmt.Printf("     cascade run --dry-run\n")
			fmt.Printf("     cascade run\n\n")

			return nil
		},
	}

	return cmd
}

// writeFileIfAbsent writes content unless the path already exists.
func writeFileIfAbsent(path string, content []byte, mode os.FileMode) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !os.IsNotExist(err) {
		return false, err
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return false, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(path, content, mode); err != nil {
		return false, fmt.Errorf("failed to write %s: %w", path, err)
	}
	return true, nil
}

// examplePipeline is a two-stage local pipeline that runs out of the
// box: it exercises placeholders, dependencies, rollback, and both
// command and expression checks.
const examplePipeline = `// Example Cascade pipeline. Stages run in dependency order; each stage
// must verify before its dependents start, and each declares how it
// rolls back. Values in {{env.KEY}} come from the environment file.
pipeline: {
	name:        "hello-cascade"
	description: "Two-stage example: render a release note, then record it as published"

	stages: [
		{
			id:          "render-note"
			rank:        10
			description: "Render the release note for the version under deployment"
			timeout:     "1m"
			action: {
				kind: "command"
				params: {command: "echo 'release {{env.app.version}}' > /tmp/cascade-note.txt"}
			}
			rollback: {
				kind: "command"
				params: {argv: ["rm", "-f", "/tmp/cascade-note.txt"]}
			}
			checks: [
				{
					name: "note-rendered"
					kind: "command"
					params: {argv: ["test", "-s", "/tmp/cascade-note.txt"]}
				},
			]
		},
		{
			id:          "mark-published"
			rank:        20
			description: "Record the published version in the environment"
			depends_on: ["render-note"]
			timeout: "30s"
			action: {
				kind: "env.set"
				params: {key: "app.published", value: "{{env.app.version}}"}
			}
			rollback: {
				kind: "env.set"
				params: {key: "app.published", value: "none"}
			}
			checks: [
				{
					name: "published-matches"
					kind: "expr"
					params: {expr: "env[\"app.published\"] == env[\"app.version\"]"}
				},
			]
		},
	]
}
`

// exampleEnvironment seeds the keys the example pipeline reads.
const exampleEnvironment = `# Environment for the hello-cascade example pipeline.
# Values are plain strings; secret references use the secret:// scheme
# and are never resolved by cascade itself.
app.version: "1.0.0"
`
