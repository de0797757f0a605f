package main

import (
	"fmt"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/1ureka/qrdrop/internal/config"
	"github.com/1ureka/qrdrop/internal/storage"
	"github.com/1ureka/qrdrop/internal/util"
)

func newHistoryCmd(cfg *config.Config) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "list past transfers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.HistoryPath == "" {
				return fmt.Errorf("history is disabled")
			}
			h, err := storage.OpenHistory(cfg.HistoryPath)
			if err != nil {
				return err
			}
			defer h.Close()

			records, err := h.List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(records) == 0 {
				util.LogInfo("no transfers yet")
				return nil
			}
			return pterm.DefaultTable.WithHasHeader().WithData(historyTable(records)).Render()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of transfers to show")
	return cmd
}

func historyTable(records []storage.TransferRecord) pterm.TableData {
	data := pterm.TableData{{"Finished", "Direction", "File", "Size", "Status", "Code", "SHA-256"}}
	for _, r := range records {
		sum := r.Checksum
		if len(sum) > 12 {
			sum = sum[:12]
		}
		status := r.Status
		if r.Error != "" {
			status += ": " + r.Error
		}
		data = append(data, []string{
			r.FinishedAt.Local().Format("02 Jan 15:04:05"),
			r.Direction,
			r.FileName,
			strings.TrimSpace(util.FormatBytes(float64(r.Bytes))),
			status,
			r.Code,
			sum,
		})
	}
	return data
}
