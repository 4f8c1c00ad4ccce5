package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"traceline/internal/app"
	"traceline/internal/arch"
	"traceline/internal/commitlint"
	"traceline/internal/config"
	"traceline/internal/db"
	"traceline/internal/doccheck"
	"traceline/internal/domain"
	"traceline/internal/engine"
	"traceline/internal/gitlog"
	"traceline/internal/migrate"
	"traceline/internal/notes"
	"traceline/internal/repo"
	"traceline/internal/review"
	"traceline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "tl",
	Short: "Traceline CLI",
	Long: `Traceline keeps roadmaps, work items, commits, and docs consistent.
- Workspace: your .traceline directory holding the database; configs live in the DB.
- Hierarchy: epics break into stories (one per scope item), stories break into
  implement/test/document tasks. Statuses flow draft -> ready -> in_progress -> review -> done.
- Roadmap: imported roadmap items convert into epics with extracted success metrics.
- Checks: commit messages, architecture boundaries, and documentation freshness
  are validated against the project config (traceline.yml, imported into the DB).
- Output: release notes, PR descriptions, and automated PR reviews come from
  the git history plus the work item data.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("TRACELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("project", "", "project id (overrides the workspace default)")
	rootCmd.PersistentFlags().String("repo", ".", "git repository directory")
	rootCmd.PersistentFlags().String("actor-id", "local", "actor recorded in the event log")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
	_ = viper.BindPFlag("repo", rootCmd.PersistentFlags().Lookup("repo"))
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(epicCmd())
	rootCmd.AddCommand(storyCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(itemCmd())
	rootCmd.AddCommand(roadmapCmd())
	rootCmd.AddCommand(commitCmd())
	rootCmd.AddCommand(archCmd())
	rootCmd.AddCommand(docsCmd())
	rootCmd.AddCommand(releaseNotesCmd())
	rootCmd.AddCommand(prCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectUseCmd())
	prj.AddCommand(projectConfigCmd())
	return prj
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListProjects(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
}

func projectCreateCmd() *cobra.Command {
	var id, prefix, desc string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create project",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			if prefix == "" {
				prefix = app.DerivePrefix(id)
			}
			cfg := config.Default(id, prefix)
			e := engine.New(conn, cfg)
			e.ActorID = viper.GetString("actor-id")
			p, err := e.InitProject(cmd.Context(), id, prefix, desc, cfg)
			if err != nil {
				return err
			}
			return printJSONOrTable(p)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "project id")
	cmd.Flags().StringVar(&prefix, "prefix", "", "work item prefix (defaults to the id, uppercased)")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func projectShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Repo.GetProject(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

func projectUseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "use <id>",
		Short: "Set current project for this workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID := strings.TrimSpace(args[0])
			if projectID == "" {
				return fmt.Errorf("project id is required")
			}
			workspace := viper.GetString("workspace")
			if err := setEnvValue(filepath.Join(workspace, ".env"), "TRACELINE_PROJECT", projectID); err != nil {
				return err
			}
			fmt.Printf("Set TRACELINE_PROJECT=%s in %s/.env\n", projectID, workspace)
			return nil
		},
	}
}

func projectConfigCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage project config",
	}
	cfg.AddCommand(projectConfigShowCmd())
	cfg.AddCommand(projectConfigImportCmd())
	cfg.AddCommand(projectConfigInitCmd())
	return cfg
}

func projectConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show project config stored in DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
}

func projectConfigImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import project config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			cfg, err := config.FromYAML(data)
			if err != nil {
				return err
			}
			projectID := cfg.Project.ID
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if projectID == "" {
					projectID = e.Config.Project.ID
				}
				if err := e.Repo.UpsertProjectConfig(ctx, projectID, cfg); err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func projectConfigInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a starter traceline.yml to the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				path := config.Path(workspace)
				if _, err := os.Stat(path); err == nil {
					return fmt.Errorf("%s already exists", path)
				}
				data := config.GenerateDefault(e.Config.Project.ID, e.Config.Project.Prefix)
				if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
					return err
				}
				fmt.Println("wrote", path)
				return nil
			})
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show project status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Repo.GetProject(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				counts, err := e.Repo.CountWorkItemsByStatus(ctx, p.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{
						"project_id":  p.ID,
						"status":      p.Status,
						"item_counts": counts,
					})
				}
				fmt.Printf("Project: %s (%s)\n", p.ID, p.Status)
				fmt.Println("Work items:")
				for status, c := range counts {
					fmt.Printf("  %s: %d\n", status, c)
				}
				return nil
			})
		},
	}
}

func epicCmd() *cobra.Command {
	epic := &cobra.Command{
		Use:   "epic",
		Short: "Manage epics",
		Long:  "Epics carry business value, success metrics, and a scope list. Each scope item becomes one story when derived.",
	}
	epic.AddCommand(epicCreateCmd())
	epic.AddCommand(epicStoriesCmd())
	return epic
}

func epicCreateCmd() *cobra.Command {
	var title, desc, businessValue, alignment string
	var metrics, scope []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an epic",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				epic, err := e.CreateEpic(ctx, e.Config.Project.ID, engine.EpicInput{
					Title:              title,
					Description:        desc,
					BusinessValue:      businessValue,
					StrategicAlignment: alignment,
					SuccessMetrics:     metrics,
					Scope:              scope,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(epic)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().StringVar(&businessValue, "business-value", "", "business value statement")
	cmd.Flags().StringVar(&alignment, "strategic-alignment", "", "strategic alignment statement")
	cmd.Flags().StringArrayVar(&metrics, "metric", []string{}, "success metric (repeatable)")
	cmd.Flags().StringArrayVar(&scope, "scope", []string{}, "scope item (repeatable)")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func epicStoriesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stories <epic-id>",
		Short: "Derive stories from an epic's scope",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				stories, err := e.CreateStoriesFromEpic(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(stories)
			})
		},
	}
}

func storyCmd() *cobra.Command {
	story := &cobra.Command{Use: "story", Short: "Manage stories"}
	story.AddCommand(storyTasksCmd())
	return story
}

func storyTasksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tasks <story-id>",
		Short: "Derive the implement/test/document tasks for a story",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tasks, err := e.CreateTasksFromStory(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(tasks)
			})
		},
	}
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{Use: "task", Short: "Manage tasks"}
	task.AddCommand(taskLinkFilesCmd())
	return task
}

func taskLinkFilesCmd() *cobra.Command {
	var files []string
	var fromGit bool
	var base, head string
	cmd := &cobra.Command{
		Use:   "link-files <task-id>",
		Short: "Link source files to a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if fromGit {
				history := gitlog.Repo{Dir: viper.GetString("repo")}
				changed, err := history.ChangedFiles(cmd.Context(), base, head)
				if err != nil {
					return err
				}
				files = append(files, changed...)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				task, err := e.LinkFiles(ctx, args[0], files)
				if err != nil {
					return err
				}
				return printJSONOrTable(task)
			})
		},
	}
	cmd.Flags().StringArrayVar(&files, "file", []string{}, "file path (repeatable)")
	cmd.Flags().BoolVar(&fromGit, "from-git", false, "link the files changed in the git range")
	cmd.Flags().StringVar(&base, "base", "", "base ref for --from-git")
	cmd.Flags().StringVar(&head, "head", "HEAD", "head ref for --from-git")
	return cmd
}

func itemCmd() *cobra.Command {
	item := &cobra.Command{Use: "item", Short: "Work items across all levels"}
	item.AddCommand(itemListCmd())
	item.AddCommand(itemGetCmd())
	item.AddCommand(itemSetStatusCmd())
	item.AddCommand(itemTreeCmd())
	return item
}

func itemListCmd() *cobra.Command {
	var itemType, status, parent string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List work items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListWorkItems(ctx, repo.WorkItemFilters{
					ProjectID: e.Config.Project.ID,
					Type:      itemType,
					Status:    status,
					Parent:    parent,
					Limit:     limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Title", "Status", "Parent"})
				for _, it := range items {
					parentID := ""
					if it.ParentID != nil {
						parentID = *it.ParentID
					}
					tw.AppendRow(table.Row{it.ID, it.Type, it.Title, it.Status, parentID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&itemType, "type", "", "filter by type (epic, story, task)")
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&parent, "parent", "", "filter by parent id")
	cmd.Flags().IntVar(&limit, "limit", 0, "max rows")
	return cmd
}

func itemGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show a work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				item, err := r.GetWorkItem(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(item)
			})
		},
	}
}

func itemSetStatusCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "set-status <id> <status>",
		Short: "Move a work item through the lifecycle",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				item, err := e.UpdateStatus(ctx, args[0], args[1], force)
				if err != nil {
					return err
				}
				return printJSONOrTable(item)
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "bypass the transition check")
	return cmd
}

func itemTreeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tree",
		Short: "Show the epic/story/task hierarchy",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListWorkItems(ctx, repo.WorkItemFilters{ProjectID: e.Config.Project.ID})
				if err != nil {
					return err
				}
				children := map[string][]domain.WorkItem{}
				var roots []domain.WorkItem
				for _, it := range items {
					if it.ParentID == nil {
						roots = append(roots, it)
					} else {
						children[*it.ParentID] = append(children[*it.ParentID], it)
					}
				}
				for _, root := range roots {
					fmt.Printf("%s %s [%s]\n", root.ID, root.Title, root.Status)
					for i, c := range children[root.ID] {
						printItemTree(c, children, "", i == len(children[root.ID])-1)
					}
				}
				return nil
			})
		},
	}
}

func printItemTree(it domain.WorkItem, children map[string][]domain.WorkItem, prefix string, last bool) {
	connector := "├── "
	newPrefix := prefix + "│   "
	if last {
		connector = "└── "
		newPrefix = prefix + "    "
	}
	fmt.Printf("%s%s%s %s [%s]\n", prefix, connector, it.ID, it.Title, it.Status)
	for i, c := range children[it.ID] {
		printItemTree(c, children, newPrefix, i == len(children[it.ID])-1)
	}
}

func roadmapCmd() *cobra.Command {
	roadmap := &cobra.Command{
		Use:   "roadmap",
		Short: "Roadmap items and epic conversion",
	}
	roadmap.AddCommand(roadmapImportCmd())
	roadmap.AddCommand(roadmapListCmd())
	roadmap.AddCommand(roadmapConvertCmd())
	return roadmap
}

// roadmapFile is the YAML shape accepted by roadmap import.
type roadmapFile struct {
	Items []struct {
		ID            string   `yaml:"id"`
		Title         string   `yaml:"title"`
		Description   string   `yaml:"description"`
		Priority      string   `yaml:"priority"`
		Timeframe     string   `yaml:"timeframe"`
		Features      []string `yaml:"features"`
		BusinessValue string   `yaml:"business_value"`
	} `yaml:"items"`
}

func roadmapImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import roadmap items from a YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			var rf roadmapFile
			if err := yaml.Unmarshal(data, &rf); err != nil {
				return fmt.Errorf("parse roadmap: %w", err)
			}
			if len(rf.Items) == 0 {
				return fmt.Errorf("no items in %s", filePath)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var imported []domain.RoadmapItem
				for _, it := range rf.Items {
					item, err := e.ImportRoadmapItem(ctx, e.Config.Project.ID, engine.RoadmapItemInput{
						ID:            it.ID,
						Title:         it.Title,
						Description:   it.Description,
						Priority:      it.Priority,
						Timeframe:     it.Timeframe,
						Features:      it.Features,
						BusinessValue: it.BusinessValue,
					})
					if err != nil {
						return fmt.Errorf("item %s: %w", it.ID, err)
					}
					imported = append(imported, item)
				}
				return printJSONOrTable(imported)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to roadmap YAML")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func roadmapListCmd() *cobra.Command {
	var status, timeframe string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List roadmap items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListRoadmapItems(ctx, repo.RoadmapFilters{
					ProjectID: e.Config.Project.ID,
					Status:    status,
					Timeframe: timeframe,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (pending, converted, failed)")
	cmd.Flags().StringVar(&timeframe, "timeframe", "", "filter by timeframe")
	return cmd
}

func roadmapConvertCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "convert [id...]",
		Short: "Convert roadmap items into epics",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && !all {
				return fmt.Errorf("pass roadmap item ids or --all")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ids := args
				if all {
					pending, err := e.Repo.ListRoadmapItems(ctx, repo.RoadmapFilters{
						ProjectID: e.Config.Project.ID,
						Status:    domain.RoadmapPending,
					})
					if err != nil {
						return err
					}
					for _, it := range pending {
						ids = append(ids, it.ID)
					}
				}
				results, err := e.ConvertRoadmapItems(ctx, ids)
				if err != nil {
					return err
				}
				if err := printJSONOrTable(results); err != nil {
					return err
				}
				if n := countFailures(results); n > 0 {
					return fmt.Errorf("%d item(s) failed to convert", n)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "convert every pending roadmap item")
	return cmd
}

func countFailures(results []engine.ConversionResult) int {
	n := 0
	for _, res := range results {
		if res.Error != "" {
			n++
		}
	}
	return n
}

func commitCmd() *cobra.Command {
	commit := &cobra.Command{Use: "commit", Short: "Commit message checks"}
	commit.AddCommand(commitValidateCmd())
	return commit
}

func commitValidateCmd() *cobra.Command {
	var message, file, rangeFrom, rangeTo string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate commit messages against the conventional format",
		Long: `Validates --message, a --file (commit-msg hook style), or every commit
in --from..--to. Exits non-zero when any message fails.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				refRe, err := regexp.Compile(e.Config.ReferencePattern())
				if err != nil {
					return err
				}
				var messages []string
				switch {
				case message != "":
					messages = []string{message}
				case file != "":
					data, err := os.ReadFile(file)
					if err != nil {
						return err
					}
					messages = []string{string(data)}
				default:
					history := gitlog.Repo{Dir: viper.GetString("repo")}
					commits, err := history.Commits(ctx, rangeFrom, rangeTo)
					if err != nil {
						return err
					}
					for _, c := range commits {
						msg := c.Subject
						if c.Body != "" {
							msg += "\n\n" + c.Body
						}
						messages = append(messages, msg)
					}
				}
				failed := 0
				var out []server.MessageValidation
				for _, msg := range messages {
					res := commitlint.Validate(msg, refRe)
					if !res.Valid {
						failed++
					}
					out = append(out, server.MessageValidation{Message: msg, Result: res})
				}
				if err := printJSONOrTable(out); err != nil {
					return err
				}
				if failed > 0 {
					return fmt.Errorf("%d of %d messages invalid", failed, len(messages))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&message, "message", "", "validate a single message")
	cmd.Flags().StringVar(&file, "file", "", "validate the message in a file")
	cmd.Flags().StringVar(&rangeFrom, "from", "", "start of the commit range")
	cmd.Flags().StringVar(&rangeTo, "to", "HEAD", "end of the commit range")
	return cmd
}

func archCmd() *cobra.Command {
	archRoot := &cobra.Command{Use: "arch", Short: "Architecture boundary checks"}
	archRoot.AddCommand(archCheckCmd())
	return archRoot
}

func archCheckCmd() *cobra.Command {
	var base, head string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Check changed files against the configured architecture rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				history := gitlog.Repo{Dir: viper.GetString("repo")}
				paths, err := history.ChangedFiles(ctx, base, head)
				if err != nil {
					return err
				}
				var files []arch.ChangedFile
				for _, p := range paths {
					source, err := history.Show(ctx, p, head)
					if err != nil {
						files = append(files, arch.ChangedFile{Path: p})
						continue
					}
					files = append(files, arch.ChangedFile{Path: p, Imports: arch.ExtractImports(p, source)})
				}
				res := arch.Checker{Rules: e.Config.Architecture.Rules}.Check(files)
				if err := printJSONOrTable(res); err != nil {
					return err
				}
				if !res.Valid {
					return fmt.Errorf("%d architecture violations", len(res.Errors))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&base, "base", "", "base ref")
	cmd.Flags().StringVar(&head, "head", "HEAD", "head ref")
	return cmd
}

func docsCmd() *cobra.Command {
	docs := &cobra.Command{Use: "docs", Short: "Documentation freshness checks"}
	docs.AddCommand(docsCheckCmd())
	return docs
}

func docsCheckCmd() *cobra.Command {
	var base, head string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Report docs that should change with the code",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				history := gitlog.Repo{Dir: viper.GetString("repo")}
				changed, err := history.ChangedFiles(ctx, base, head)
				if err != nil {
					return err
				}
				rep := doccheck.Detector{Mappings: e.Config.Docs.Mappings}.Check(changed)
				if err := printJSONOrTable(rep); err != nil {
					return err
				}
				if len(rep.Missing) > 0 {
					return fmt.Errorf("%d documents need updating", len(rep.Missing))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&base, "base", "", "base ref")
	cmd.Flags().StringVar(&head, "head", "HEAD", "head ref")
	return cmd
}

func releaseNotesCmd() *cobra.Command {
	var from, to, version, date, output string
	cmd := &cobra.Command{
		Use:   "release-notes",
		Short: "Generate release notes from the commit history",
		RunE: func(cmd *cobra.Command, args []string) error {
			if date == "" {
				date = time.Now().UTC().Format("2006-01-02")
			}
			g := notes.Generator{History: gitlog.Repo{Dir: viper.GetString("repo")}}
			out, gerr := g.Generate(cmd.Context(), from, to, version, date)
			if gerr != nil && out == "" {
				return gerr
			}
			if output != "" {
				if err := os.WriteFile(output, []byte(out), 0o644); err != nil {
					return err
				}
			} else {
				fmt.Print(out)
			}
			return gerr
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "start ref (exclusive), e.g. the previous tag")
	cmd.Flags().StringVar(&to, "to", "HEAD", "end ref")
	cmd.Flags().StringVar(&version, "version", "unreleased", "version label")
	cmd.Flags().StringVar(&date, "date", "", "release date (defaults to today)")
	cmd.Flags().StringVar(&output, "output", "", "write to a file instead of stdout")
	return cmd
}

func prCmd() *cobra.Command {
	pr := &cobra.Command{Use: "pr", Short: "Pull request helpers"}
	pr.AddCommand(prReviewCmd())
	pr.AddCommand(prDescribeCmd())
	return pr
}

func prReviewCmd() *cobra.Command {
	var base, head string
	cmd := &cobra.Command{
		Use:   "review",
		Short: "Run the automated review over a change set",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				r := review.Reviewer{
					History: gitlog.Repo{Dir: viper.GetString("repo")},
					Rules:   e.Config.Architecture.Rules,
				}
				res, rerr := r.ReviewPullRequest(ctx, base, head)
				if rerr != nil && !res.Partial {
					return rerr
				}
				if viper.GetBool("json") {
					if err := printJSON(res); err != nil {
						return err
					}
				} else {
					fmt.Print(review.FormatReport(res))
				}
				return rerr
			})
		},
	}
	cmd.Flags().StringVar(&base, "base", "main", "base ref")
	cmd.Flags().StringVar(&head, "head", "HEAD", "head ref")
	return cmd
}

func prDescribeCmd() *cobra.Command {
	var base, head string
	cmd := &cobra.Command{
		Use:   "describe",
		Short: "Compose a PR description from branch, commits, and work items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d := review.Describer{
					History: gitlog.Repo{Dir: viper.GetString("repo")},
					Lookup: func(ctx context.Context, id string) (domain.WorkItem, error) {
						return e.Repo.GetWorkItem(ctx, id)
					},
				}
				out, err := d.Describe(ctx, base, head)
				if err != nil {
					return err
				}
				fmt.Print(out)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&base, "base", "main", "base ref")
	cmd.Flags().StringVar(&head, "head", "HEAD", "head ref")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, itemKind, itemID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, e.Config.Project.ID, evtType, itemKind, itemID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&itemKind, "item-kind", "", "item kind (project, work_item, roadmap_item)")
	cmd.Flags().StringVar(&itemID, "item-id", "", "item id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			_, cfg, err := app.ResolveProjectAndConfig(cmd.Context(), viper.GetString("project"), r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			e.ActorID = "api"
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("TRACELINE_JWT_SECRET")}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Traceline API on http://%s%s (OpenAPI at /openapi.json)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	_, cfg, err := app.ResolveProjectAndConfig(ctx, viper.GetString("project"), r)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	e.ActorID = viper.GetString("actor-id")
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	return fn(ctx, r)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func setEnvValue(path, key, value string) error {
	var lines []string
	seen := false
	f, err := os.Open(path)
	if err == nil {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, key+"=") {
				lines = append(lines, fmt.Sprintf("%s=%s", key, value))
				seen = true
			} else {
				lines = append(lines, line)
			}
		}
		if err := scanner.Err(); err != nil {
			f.Close()
			return err
		}
		f.Close()
	} else if !os.IsNotExist(err) {
		return err
	}
	if !seen {
		lines = append(lines, fmt.Sprintf("%s=%s", key, value))
	}
	content := strings.Join(lines, "\n")
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return os.WriteFile(path, []byte(content), 0o644)
}
