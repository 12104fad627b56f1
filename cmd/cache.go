package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"filesort/internal/models"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and maintain cached categorizations",
}

var cacheListCmd = &cobra.Command{
	Use:   "list <directory>",
	Short: "List cached categorizations for a directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		appInstance, err := GetAppFromContext(cmd.Context())
		if err != nil {
			return err
		}
		dirPath, err := filepath.Abs(args[0])
		if err != nil {
			return err
		}

		files, err := appInstance.CategorizationService.LoadCachedEntries(dirPath)
		if err != nil {
			return fmt.Errorf("failed to load cached entries: %w", err)
		}
		if len(files) == 0 {
			fmt.Println("No cached categorizations for this directory.")
			return nil
		}

		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"Name", "Type", "Category", "Subcategory", "Updated At"})
		table.SetBorder(true)
		for _, file := range files {
			table.Append([]string{
				file.FileName,
				file.Type.String(),
				file.Category,
				file.Subcategory,
				file.UpdatedAt.Format("2006-01-02 15:04:05"),
			})
		}
		table.Render()
		return nil
	},
}

var cachePruneCmd = &cobra.Command{
	Use:   "prune <directory>",
	Short: "Remove cached entries with empty labels",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		appInstance, err := GetAppFromContext(cmd.Context())
		if err != nil {
			return err
		}
		dirPath, err := filepath.Abs(args[0])
		if err != nil {
			return err
		}

		pruned, err := appInstance.CategorizationService.PruneEmptyCachedEntries(dirPath)
		if err != nil {
			return fmt.Errorf("failed to prune cached entries: %w", err)
		}
		if len(pruned) == 0 {
			fmt.Println("Nothing to prune.")
			return nil
		}
		for _, file := range pruned {
			fmt.Printf("Removed %s (%s)\n", file.FileName, file.Type.String())
		}
		fmt.Printf("Pruned %d entr%s.\n", len(pruned), pluralYIes(len(pruned)))
		return nil
	},
}

var cacheSetDirType bool

var cacheSetCmd = &cobra.Command{
	Use:   "set <directory> <name> <category> <subcategory>",
	Short: "Pin a categorization for one item",
	Long: `Overrides the cached categorization for a file (or, with --dir, a
subdirectory). The labels go through the same validation and taxonomy
resolution as model output and are marked as user-provided.`,
	Args: cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		appInstance, err := GetAppFromContext(cmd.Context())
		if err != nil {
			return err
		}
		dirPath, err := filepath.Abs(args[0])
		if err != nil {
			return err
		}

		fileType := models.FileTypeFile
		if cacheSetDirType {
			fileType = models.FileTypeDirectory
		}
		record, err := appInstance.CategorizationService.SetUserCategorization(
			dirPath, args[1], fileType, args[2], args[3])
		if err != nil {
			return err
		}
		fmt.Printf("Pinned %s as %s / %s\n", record.FileName, record.Category, record.Subcategory)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(cacheCmd)
	cacheCmd.AddCommand(cacheListCmd)
	cacheCmd.AddCommand(cachePruneCmd)
	cacheCmd.AddCommand(cacheSetCmd)

	cacheSetCmd.Flags().BoolVar(&cacheSetDirType, "dir", false, "The item is a subdirectory, not a file")
}
