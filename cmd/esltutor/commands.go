package main

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/kalambet/esltutor/internal/apperr"
	"github.com/kalambet/esltutor/internal/config"
	"github.com/kalambet/esltutor/internal/homework"
	"github.com/kalambet/esltutor/internal/indexsync"
	"github.com/kalambet/esltutor/internal/pairing"
	"github.com/kalambet/esltutor/internal/pipeline"
	"github.com/kalambet/esltutor/internal/storage"
)

// --- seed ---

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Load students and templates from a YAML file",
	Long: `Load students, homework templates and activity templates into the store.
Rows are upserted by id. Without --file the bundled sample data is used.

Examples:
  esltutor seed
  esltutor seed --file ./class-1.yaml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")

		fx, err := loadFixtures(file)
		if err != nil {
			return err
		}

		store, err := storage.Open(cfg.Storage.DataDir)
		if err != nil {
			return fmt.Errorf("opening storage: %w", err)
		}
		defer store.Close()

		n, err := fx.apply(store)
		if err != nil {
			return err
		}
		printSuccess("Seeded %d students, %d homework templates, %d activity templates",
			n.Students, n.HomeworkTemplates, n.ActivityTemplates)
		printStep("Run `esltutor sync` to index them")
		return nil
	},
}

func init() {
	seedCmd.Flags().String("file", "", "YAML fixture file (default: bundled sample data)")
}

// --- sync ---

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Bring the vector index up to date with the store",
	Long: `Re-embed records whose content changed, refresh changed metadata and
delete entries whose source row is gone. Unchanged records are skipped.

Examples:
  esltutor sync
  esltutor sync --dry-run
  esltutor sync --output report.json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		output, _ := cmd.Flags().GetString("output")
		ctx := cmd.Context()

		a, err := openApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		if dryRun {
			st, err := pipeline.IndexStatus(ctx, a.store, a.index, a.syncer(nil), a.engine)
			if err != nil {
				return err
			}
			printCollections(st)
			return nil
		}

		if err := a.ensureReady(ctx, false); err != nil {
			return err
		}

		bar := newSyncBar()
		rep, err := pipeline.SyncIndex(ctx, a.store, a.syncer(bar.update))
		bar.finish()

		printSyncReport(rep)
		if output != "" {
			if werr := writeJSON(os.Stdout, output, syncReportView(rep)); werr != nil {
				return werr
			}
		}
		if err != nil {
			if len(rep.Aborted) > 0 {
				return &reportedFailure{kind: apperr.KindOf(err), ids: rep.FailedIDs()}
			}
			return err
		}
		if !rep.OK() {
			return &reportedFailure{kind: rep.Failed[0].Kind, ids: rep.FailedIDs()}
		}
		return nil
	},
}

func init() {
	syncCmd.Flags().Bool("dry-run", false, "show what would change without writing")
	syncCmd.Flags().String("output", "", "write the run report as JSON to this file ('-' for stdout)")
}

// syncBar lazily creates the progress bar once the job count is known.
type syncBar struct {
	mu  sync.Mutex
	bar *progressbar.ProgressBar
}

func newSyncBar() *syncBar { return &syncBar{} }

func (s *syncBar) update(done, total int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bar == nil {
		s.bar = progressbar.NewOptions(total,
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionEnableColorCodes(!noColor),
			progressbar.OptionShowBytes(false),
			progressbar.OptionSetWidth(40),
			progressbar.OptionShowCount(),
			progressbar.OptionSetDescription("[cyan]Embedding[reset]"),
			progressbar.OptionSetTheme(progressbar.Theme{
				Saucer:        "[green]=[reset]",
				SaucerHead:    "[green]>[reset]",
				SaucerPadding: " ",
				BarStart:      "[",
				BarEnd:        "]",
			}),
		)
	}
	s.bar.Set(done)
}

func (s *syncBar) finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bar != nil {
		s.bar.Finish()
		fmt.Fprintln(os.Stderr)
	}
}

func printSyncReport(rep indexsync.Report) {
	printStatus("Run", "%s", rep.RunID)
	printStatus("Inserted", "%d", len(rep.Inserted))
	printStatus("Updated", "%d", len(rep.Updated))
	printStatus("Metadata updated", "%d", len(rep.MetadataUpdated))
	printStatus("Deleted", "%d", len(rep.Deleted))
	printStatus("Unchanged", "%d", rep.Unchanged)
	printStatus("Duration", "%s", rep.FinishedAt.Sub(rep.StartedAt).Round(time.Millisecond))
	for _, f := range rep.Failed {
		printError("%s %s: %v", f.Kind, f.ID, f.Err)
	}
	for _, id := range rep.Aborted {
		printWarning("aborted %s", id)
	}
	if rep.OK() {
		printSuccess("Index in sync")
	}
}

type itemErrorView struct {
	ID    string `json:"id"`
	Kind  string `json:"kind"`
	Error string `json:"error"`
}

type syncReportJSON struct {
	RunID           string          `json:"run_id"`
	StartedAt       time.Time       `json:"started_at"`
	FinishedAt      time.Time       `json:"finished_at"`
	Inserted        []string        `json:"inserted"`
	Updated         []string        `json:"updated"`
	MetadataUpdated []string        `json:"metadata_updated"`
	Deleted         []string        `json:"deleted"`
	Unchanged       int             `json:"unchanged"`
	Failed          []itemErrorView `json:"failed"`
	Aborted         []string        `json:"aborted"`
}

func syncReportView(rep indexsync.Report) syncReportJSON {
	failed := make([]itemErrorView, len(rep.Failed))
	for i, f := range rep.Failed {
		failed[i] = itemErrorView{ID: f.ID, Kind: string(f.Kind), Error: f.Err.Error()}
	}
	return syncReportJSON{
		RunID:           rep.RunID,
		StartedAt:       rep.StartedAt,
		FinishedAt:      rep.FinishedAt,
		Inserted:        nonNil(rep.Inserted),
		Updated:         nonNil(rep.Updated),
		MetadataUpdated: nonNil(rep.MetadataUpdated),
		Deleted:         nonNil(rep.Deleted),
		Unchanged:       rep.Unchanged,
		Failed:          failed,
		Aborted:         nonNil(rep.Aborted),
	}
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// --- homework ---

var homeworkCmd = &cobra.Command{
	Use:   "homework",
	Short: "Generate personalized homework for a student",
	Long: `Generate homework for one student. Without --template-id the closest
homework templates of the student's class are retrieved; the best one is the
source template and the rest are context.

Examples:
  esltutor homework --student-id 1
  esltutor homework --student-id 1 --template-id 2 --no-save
  esltutor homework --student-id 1 --max-items 3 --output hw.json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		studentID, _ := cmd.Flags().GetInt64("student-id")
		templateID, _ := cmd.Flags().GetInt64("template-id")
		classID, _ := cmd.Flags().GetInt64("class-id")
		topK, _ := cmd.Flags().GetInt("top-k")
		maxItems, _ := cmd.Flags().GetInt("max-items")
		style, _ := cmd.Flags().GetString("style")
		jsonFormat, _ := cmd.Flags().GetBool("json-format")
		noSave, _ := cmd.Flags().GetBool("no-save")
		output, _ := cmd.Flags().GetString("output")
		ctx := cmd.Context()

		if topK <= 0 {
			topK = cfg.Retrieval.TopK
		}
		if maxItems <= 0 {
			maxItems = cfg.Generation.MaxItems
		}
		if style == "" {
			style = cfg.Generation.Style
		}

		a, err := openApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.ensureReady(ctx, true); err != nil {
			return err
		}

		temp := cfg.Generation.Temperature
		flow := pipeline.NewHomeworkFlow(a.store, a.retriever, a.composer(), a.generator(), a.retryPolicy(), nil)
		res, err := flow.Run(ctx, pipeline.HomeworkRequest{
			StudentID:  studentID,
			TemplateID: templateID,
			ClassID:    classID,
			TopK:       topK,
			Budget:     cfg.Composer.BudgetTokens,
			Spec: homework.Spec{
				MaxItems:    maxItems,
				Style:       style,
				JSON:        jsonFormat,
				Temperature: &temp,
			},
			Save: !noSave,
		})
		if err != nil {
			return err
		}

		if res.Context.Truncated {
			printWarning("student profile was shortened to fit the token budget")
		}
		if err := writeJSON(os.Stdout, output, homeworkView(res.Homework)); err != nil {
			return err
		}
		if res.Saved {
			printSuccess("Saved homework %s", res.Homework.ID)
		}
		return nil
	},
}

func init() {
	homeworkCmd.Flags().Int64("student-id", 0, "student to generate homework for")
	homeworkCmd.Flags().Int64("template-id", 0, "use this homework template instead of retrieval")
	homeworkCmd.Flags().Int64("class-id", 0, "restrict retrieval to this class (default: the student's class)")
	homeworkCmd.Flags().Int("top-k", 0, "templates to retrieve (default: retrieval.top_k)")
	homeworkCmd.Flags().Int("max-items", 0, "maximum questions (default: generation.max_items)")
	homeworkCmd.Flags().String("style", "", "extra style guidance for the model")
	homeworkCmd.Flags().Bool("json-format", false, "ask the model for a JSON array instead of labelled blocks")
	homeworkCmd.Flags().Bool("no-save", false, "do not persist the generated homework")
	homeworkCmd.Flags().String("output", "", "write the artifact to this file (default: stdout)")
	homeworkCmd.MarkFlagRequired("student-id")
}

type questionJSON struct {
	Question       string `json:"question"`
	Instructions   string `json:"instructions"`
	ExpectedAnswer string `json:"expected_answer"`
}

type homeworkJSON struct {
	ID          string         `json:"id"`
	StudentID   int64          `json:"student_id"`
	TemplateID  int64          `json:"template_id"`
	GeneratedAt time.Time      `json:"generated_at"`
	Status      string         `json:"status"`
	Model       string         `json:"model"`
	Questions   []questionJSON `json:"questions"`
	ContextIDs  []string       `json:"context_ids"`
}

func homeworkView(h storage.PersonalizedHomework) homeworkJSON {
	qs := make([]questionJSON, len(h.Questions))
	for i, q := range h.Questions {
		qs[i] = questionJSON(q)
	}
	return homeworkJSON{
		ID:          h.ID,
		StudentID:   h.StudentID,
		TemplateID:  h.TemplateID,
		GeneratedAt: h.GeneratedAt,
		Status:      h.Status,
		Model:       h.Model,
		Questions:   qs,
		ContextIDs:  nonNil(h.ContextIDs),
	}
}

// --- pairings ---

var pairingsCmd = &cobra.Command{
	Use:   "pairings",
	Short: "Form conversation groups for a class",
	Long: `Partition a class into groups that maximize profile compatibility.
Without --template-id the best matching activity template of the class is
used. A student that cannot complete a group is reported as leftover.

Examples:
  esltutor pairings --class-id 1
  esltutor pairings --class-id 1 --group-size 3 --level-rule same_level
  esltutor pairings --class-id 1 --template-id 4 --no-save`,
	RunE: func(cmd *cobra.Command, args []string) error {
		classID, _ := cmd.Flags().GetInt64("class-id")
		templateID, _ := cmd.Flags().GetInt64("template-id")
		noSave, _ := cmd.Flags().GetBool("no-save")
		dateStr, _ := cmd.Flags().GetString("date")
		output, _ := cmd.Flags().GetString("output")
		ctx := cmd.Context()

		pc, err := pairingConfig(cfg)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("group-size") {
			pc.GroupSize, _ = cmd.Flags().GetInt("group-size")
		}
		if cmd.Flags().Changed("level-rule") {
			s, _ := cmd.Flags().GetString("level-rule")
			if pc.LevelRule, err = pairing.ParseLevelRule(s); err != nil {
				return err
			}
		}

		var date time.Time
		if dateStr != "" {
			if date, err = time.Parse(time.DateOnly, dateStr); err != nil {
				return fmt.Errorf("invalid --date %q: %w", dateStr, err)
			}
		}

		a, err := openApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.ensureReady(ctx, false); err != nil {
			return err
		}

		flow := pipeline.NewPairingFlow(a.store, a.retriever, nil)
		res, err := flow.Run(ctx, pipeline.PairingRequest{
			ClassID:        classID,
			TemplateID:     templateID,
			Config:         pc,
			CompletionDate: date,
			Save:           !noSave,
		})
		if err != nil {
			return err
		}

		for _, id := range res.SkippedIDs() {
			printWarning("skipped %s: %s", id, res.Skipped[id])
		}
		if err := writeJSON(os.Stdout, output, pairingView(res)); err != nil {
			return err
		}
		if len(res.Saved) > 0 {
			printSuccess("Saved %d groups for %q", len(res.Saved), res.Template.Name)
		}
		return nil
	},
}

func init() {
	pairingsCmd.Flags().Int64("class-id", 0, "class to pair")
	pairingsCmd.Flags().Int64("template-id", 0, "use this activity template instead of retrieval")
	pairingsCmd.Flags().Int("group-size", 0, "students per group (default: pairing.group_size)")
	pairingsCmd.Flags().String("level-rule", "", "peer_teaching, same_level or none (default: pairing.level_rule)")
	pairingsCmd.Flags().String("date", "", "completion date for saved groups (YYYY-MM-DD, default: today)")
	pairingsCmd.Flags().Bool("no-save", false, "do not persist the groups")
	pairingsCmd.Flags().String("output", "", "write the pairings to this file (default: stdout)")
	pairingsCmd.MarkFlagRequired("class-id")
}

type groupJSON struct {
	StudentIDs []int64 `json:"student_ids"`
	Score      float64 `json:"score"`
}

type pairingJSON struct {
	ClassID    int64       `json:"class_id"`
	TemplateID int64       `json:"template_id"`
	Template   string      `json:"template"`
	Groups     []groupJSON `json:"groups"`
	Leftover   []int64     `json:"leftover"`
	Total      float64     `json:"total"`
}

func pairingView(res pipeline.PairingResult) pairingJSON {
	groups := make([]groupJSON, len(res.Groups))
	for i, g := range res.Groups {
		groups[i] = groupJSON{StudentIDs: g.StudentIDs, Score: g.Score}
	}
	return pairingJSON{
		ClassID:    res.ClassID,
		TemplateID: res.TemplateID,
		Template:   res.Template.Name,
		Groups:     groups,
		Leftover:   nonNil(res.Leftover),
		Total:      res.Total(),
	}
}

// --- status ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show provider reachability and index freshness",
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")

		a, err := openApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		st, err := pipeline.IndexStatus(cmd.Context(), a.store, a.index, a.syncer(nil), a.engine)
		if err != nil {
			return err
		}
		if output != "" {
			return writeJSON(os.Stdout, output, st)
		}

		printStatus("Chat provider", "%s (%s)", cfg.Engine.ChatProvider, cfg.ChatModel())
		printStatus("Embed provider", "%s (%s)", cfg.Engine.EmbedProvider, cfg.EmbedModel())
		printStatus("Providers", "%s", reachable(st.ProviderReachable))
		printStatus("Index", "%s", reachable(st.IndexReachable))
		printCollections(st)
		if a.cache != nil {
			printStatus("Cached embeddings", "%d", a.cache.Len())
		}
		printStatus("Data dir", "%s", cfg.Storage.DataDir)
		return nil
	},
}

func init() {
	statusCmd.Flags().String("output", "", "write status as JSON to this file ('-' for stdout)")
}

func reachable(ok bool) string {
	if ok {
		return colorize(colorGreen, "reachable")
	}
	return colorize(colorRed, "unreachable")
}

func printCollections(st pipeline.Status) {
	for _, c := range st.Collections {
		printStatus(c.Collection, "%d indexed, %d missing, %d stale, %d metadata stale, %d orphaned",
			c.Indexed, c.Missing, c.Stale, c.MetadataStale, c.Orphaned)
	}
	for _, id := range st.Invalid {
		printWarning("invalid row %s", id)
	}
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
