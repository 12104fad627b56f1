package cmd

import (
	"fmt"
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var taxonomyCmd = &cobra.Command{
	Use:   "taxonomy",
	Short: "List the canonical category taxonomy",
	Long: `Lists every canonical (category, subcategory) pair known to the
database, with how many cached files currently reference it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		appInstance, err := GetAppFromContext(cmd.Context())
		if err != nil {
			return err
		}

		entries, err := appInstance.TaxonomyStore.ListTaxonomy()
		if err != nil {
			return fmt.Errorf("failed to list taxonomy: %w", err)
		}
		if len(entries) == 0 {
			fmt.Println("The taxonomy is empty.")
			return nil
		}

		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"ID", "Category", "Subcategory", "Frequency"})
		table.SetBorder(true)
		for _, entry := range entries {
			table.Append([]string{
				strconv.FormatInt(entry.ID, 10),
				entry.Category,
				entry.Subcategory,
				strconv.FormatInt(entry.Frequency, 10),
			})
		}
		table.Render()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(taxonomyCmd)
}
