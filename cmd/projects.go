package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/jobcost-cli/internal/model"
)

var projectsCmd = &cobra.Command{
	Use:   "projects",
	Short: "Manage projects and view cost aggregates",
}

// -- projects add --

var projectsAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Register a project job number",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		job, _ := cmd.Flags().GetString("job")
		name, _ := cmd.Flags().GetString("name")
		inactive, _ := cmd.Flags().GetBool("inactive")

		st, err := openStore(ctx, "store")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		p, err := st.CreateProject(ctx, model.Project{JobNumber: job, Name: name, Active: !inactive})
		if err != nil {
			return eris.Wrap(err, "projects add")
		}

		fmt.Fprintf(os.Stdout, "Created project %d (%s)\n", p.ID, p.JobNumber)
		return nil
	},
}

// -- projects list --

var projectsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List projects",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx, "store")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		projects, err := st.ListProjects(ctx)
		if err != nil {
			return eris.Wrap(err, "projects list")
		}
		if len(projects) == 0 {
			fmt.Fprintln(os.Stderr, "No projects found.")
			return nil
		}

		formatProjectList(os.Stdout, projects)
		return nil
	},
}

// -- projects aggregates --

var projectsAggregatesCmd = &cobra.Command{
	Use:   "aggregates <project-id>",
	Short: "Show per-category labor cost for a project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return eris.Errorf("invalid project id: %s", args[0])
		}

		var week time.Time
		if v, _ := cmd.Flags().GetString("week"); v != "" {
			week, err = time.Parse(time.DateOnly, v)
			if err != nil {
				return eris.Errorf("invalid --week %q (want YYYY-MM-DD)", v)
			}
		}

		st, err := openStore(ctx, "store")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		aggs, err := st.CategoryAggregates(ctx, id, week)
		if err != nil {
			return eris.Wrap(err, "projects aggregates")
		}
		if len(aggs) == 0 {
			fmt.Fprintln(os.Stderr, "No aggregates found.")
			return nil
		}

		formatAggregates(os.Stdout, aggs)
		return nil
	},
}

func init() {
	projectsAddCmd.Flags().String("job", "", "job number as it appears on the labor sheet (required)")
	projectsAddCmd.Flags().String("name", "", "project name")
	projectsAddCmd.Flags().Bool("inactive", false, "register the project as inactive")
	_ = projectsAddCmd.MarkFlagRequired("job")

	projectsAggregatesCmd.Flags().String("week", "", "week ending date (YYYY-MM-DD); all weeks when empty")

	projectsCmd.AddCommand(projectsAddCmd)
	projectsCmd.AddCommand(projectsListCmd)
	projectsCmd.AddCommand(projectsAggregatesCmd)
	rootCmd.AddCommand(projectsCmd)
}

// formatProjectList writes a tabular list of projects to w.
func formatProjectList(out io.Writer, projects []model.Project) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tJOB\tNAME\tACTIVE")
	_, _ = fmt.Fprintln(w, "--\t---\t----\t------")
	for _, p := range projects {
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%t\n", p.ID, p.JobNumber, p.Name, p.Active)
	}
	_ = w.Flush()
}

// formatAggregates writes one line per category-week to w.
func formatAggregates(out io.Writer, aggs []model.CategoryAggregate) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', tabwriter.AlignRight)
	_, _ = fmt.Fprintln(w, "WEEK\tCATEGORY\tWORKERS\tHOURS\tWAGES\tBURDEN\tCOST\t")
	for _, a := range aggs {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\t%s\t\n",
			model.WeekKey(a.WeekEnding),
			a.Category,
			a.WorkerCount,
			a.TotalHours.StringFixed(2),
			a.TotalWages.StringFixed(2),
			a.BurdenAmount.StringFixed(2),
			a.CostWithBurden.StringFixed(2),
		)
	}
	_ = w.Flush()
}
