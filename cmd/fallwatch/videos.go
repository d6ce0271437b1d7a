package main

import (
	"fmt"
	"strconv"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

func newVideosCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "videos",
		Short: "List the videos in the library",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(root)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.openLibrary(cmd.Context()); err != nil {
				return err
			}

			items := a.library.List()
			if len(items) == 0 {
				pterm.Info.Println("The library is empty")
				return nil
			}

			selected := ""
			if sel, ok := a.library.Selected(); ok {
				selected = sel.ID
			}

			data := pterm.TableData{{"", "ID", "Video", "Processed", "Falls"}}
			for _, item := range items {
				mark := ""
				if item.ID == selected {
					mark = "*"
				}
				data = append(data, []string{
					mark,
					item.ID,
					item.OriginalPath,
					item.ProcessedPath,
					strconv.Itoa(len(item.TimeCodes)),
				})
			}
			return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
		},
	}
}

func newRunsCommand(root *rootOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Show recent processing runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(root)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.openLibrary(cmd.Context()); err != nil {
				return err
			}

			runs, err := a.store.ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				pterm.Info.Println("No runs recorded")
				return nil
			}

			data := pterm.TableData{{"Started", "Source", "State", "Frames", "Falls", "Error"}}
			for _, r := range runs {
				data = append(data, []string{
					r.StartedAt.Local().Format("2006-01-02 15:04:05"),
					r.SourcePath,
					r.State,
					fmt.Sprintf("%d", r.Frames),
					fmt.Sprintf("%d", r.TimeCodes),
					r.Error,
				})
			}
			return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of runs to show")
	return cmd
}
