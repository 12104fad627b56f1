package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"filesort/internal/filescan"
	"filesort/internal/models"
	"filesort/internal/services"
)

var (
	categorizeIncludeDirs   bool
	categorizeIncludeHidden bool
	categorizePrune         bool
	categorizeNoHints       bool
	categorizeNoSubcats     bool
)

var categorizeCmd = &cobra.Command{
	Use:   "categorize <directory>",
	Short: "Categorize the contents of a directory",
	Long: `Scans the given directory and assigns each entry a category and
subcategory. Cached results are reused; new ones are requested from the
configured model provider. Ctrl-C stops the run after the current item and
keeps everything categorized so far.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		appInstance, err := GetAppFromContext(cmd.Context())
		if err != nil {
			return err
		}

		opts := filescan.DefaultOptions()
		opts.IncludeDirectories = categorizeIncludeDirs || appInstance.Config.Scan.IncludeDirectories
		opts.IncludeHidden = categorizeIncludeHidden || appInstance.Config.Scan.IncludeHidden

		dirPath, err := filepath.Abs(args[0])
		if err != nil {
			return fmt.Errorf("failed to resolve directory: %w", err)
		}
		entries, err := filescan.ScanDirectory(dirPath, opts)
		if err != nil {
			return err
		}

		if categorizePrune {
			pruned, err := appInstance.CategorizationService.PruneEmptyCachedEntries(dirPath)
			if err != nil {
				return fmt.Errorf("failed to prune empty cached entries: %w", err)
			}
			if len(pruned) > 0 {
				fmt.Printf("Pruned %d cached entr%s with empty labels.\n",
					len(pruned), pluralYIes(len(pruned)))
			}
		}

		if len(entries) == 0 {
			fmt.Println("Nothing to categorize.")
			return nil
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		service := appInstance.CategorizationService
		if categorizeNoHints || categorizeNoSubcats {
			svcOpts := appInstance.ServiceOptions()
			if categorizeNoHints {
				svcOpts.UseConsistencyHints = false
			}
			if categorizeNoSubcats {
				svcOpts.UseSubcategories = false
			}
			service = services.NewCategorizationService(
				appInstance.TaxonomyStore, appInstance.CategorizationStore, svcOpts)
		}

		var dropped int
		results, err := service.CategorizeEntries(
			ctx, entries, appInstance.CategorizerFactory(),
			categorizeCallbacks(len(entries), &dropped),
		)
		if err != nil {
			return err
		}

		renderResults(results)
		if dropped > 0 {
			fmt.Printf("%s %d item%s need%s recategorization.\n",
				color.YellowString("NOTE:"), dropped, plural(dropped), singularS(dropped))
		}
		if ctx.Err() != nil {
			fmt.Println(color.YellowString("Run interrupted; partial results shown above."))
		}
		return nil
	},
}

func categorizeCallbacks(total int, dropped *int) services.Callbacks {
	processed := 0
	return services.Callbacks{
		Queue: func(entry models.FileEntry) {
			processed++
			fmt.Printf("[%d/%d] %s\n", processed, total, entry.Name)
		},
		Progress: func(message string) {
			fmt.Println("  " + message)
		},
		Recategorize: func(file models.CategorizedFile, reason string) {
			*dropped++
			fmt.Printf("  %s %s: %s\n", color.YellowString("SKIPPED"), file.FileName, reason)
		},
	}
}

func renderResults(results []models.CategorizedFile) {
	if len(results) == 0 {
		fmt.Println("No items were categorized.")
		return
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Name", "Type", "Category", "Subcategory", "Source"})
	table.SetBorder(true)
	table.SetRowLine(false)

	for _, file := range results {
		source := color.GreenString("AI")
		if file.FromCache {
			source = color.CyanString("CACHE")
		}
		table.Append([]string{
			file.FileName,
			file.Type.String(),
			file.Category,
			file.Subcategory,
			source,
		})
	}
	table.Render()
	fmt.Printf("Categorized %d item%s.\n", len(results), plural(len(results)))
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}

func singularS(n int) string {
	if n == 1 {
		return "s"
	}
	return ""
}

func pluralYIes(n int) string {
	if n == 1 {
		return "y"
	}
	return "ies"
}

func init() {
	rootCmd.AddCommand(categorizeCmd)

	categorizeCmd.Flags().BoolVarP(&categorizeIncludeDirs, "dirs", "d", false, "Also categorize subdirectories")
	categorizeCmd.Flags().BoolVar(&categorizeIncludeHidden, "hidden", false, "Include hidden entries")
	categorizeCmd.Flags().BoolVar(&categorizePrune, "prune", false, "Drop cached entries with empty labels before the run")
	categorizeCmd.Flags().BoolVar(&categorizeNoHints, "no-hints", false, "Disable consistency hints for this run")
	categorizeCmd.Flags().BoolVar(&categorizeNoSubcats, "no-subcategories", false, "Discard model subcategories for this run")
}
