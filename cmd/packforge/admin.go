package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"packforge/internal/store"
)

// Admin commands operate on the store directly; they are meant for the
// operator on the box, not for remote use.

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage API keys",
}

var keysAddCmd = &cobra.Command{
	Use:   "add [user-id]",
	Short: "Generate and register an API key for a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(st *store.Store) error {
			buf := make([]byte, 24)
			if _, err := rand.Read(buf); err != nil {
				return err
			}
			key := "pf_" + hex.EncodeToString(buf)
			if err := st.Keys().AddKey(cmd.Context(), key, args[0]); err != nil {
				return err
			}
			// Printed once; only the hash is stored.
			fmt.Printf("API key for %s: %s\n", args[0], key)
			return nil
		})
	},
}

var creditsCmd = &cobra.Command{
	Use:   "credits",
	Short: "Manage credit balances",
}

var creditsGrantCmd = &cobra.Command{
	Use:   "grant [user-id] [amount]",
	Short: "Add credits to a user's balance",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		amount, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid amount %q: %w", args[1], err)
		}
		return withStore(func(st *store.Store) error {
			if err := st.Ledger().Grant(cmd.Context(), args[0], amount); err != nil {
				return err
			}
			bal, err := st.Ledger().GetBalance(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("%s now has %d credits\n", args[0], bal.Credits)
			return nil
		})
	},
}

var creditsUnlimitedCmd = &cobra.Command{
	Use:   "unlimited [user-id] [on|off]",
	Short: "Toggle the unlimited plan for a user",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(st *store.Store) error {
			on := args[1] == "on"
			if err := st.Ledger().SetUnlimited(cmd.Context(), args[0], on); err != nil {
				return err
			}
			fmt.Printf("%s unlimited=%v\n", args[0], on)
			return nil
		})
	},
}

var creditsBalanceCmd = &cobra.Command{
	Use:   "balance [user-id]",
	Short: "Show a user's balance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(st *store.Store) error {
			bal, err := st.Ledger().GetBalance(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if bal.Unlimited {
				fmt.Printf("%s: unlimited plan (%d credits banked)\n", args[0], bal.Credits)
			} else {
				fmt.Printf("%s: %d credits\n", args[0], bal.Credits)
			}
			return nil
		})
	},
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect jobs",
}

var jobsListCmd = &cobra.Command{
	Use:   "list [user-id]",
	Short: "List a user's jobs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(st *store.Store) error {
			jobs, err := st.Jobs().ListJobs(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if len(jobs) == 0 {
				fmt.Println("no jobs")
				return nil
			}
			for _, job := range jobs {
				line := fmt.Sprintf("%s  %-18s %3d%%  %s", job.ID, job.State, job.Progress, job.FileName)
				if job.ErrorMessage != "" {
					line += "  (" + job.ErrorMessage + ")"
				}
				fmt.Println(line)
			}
			return nil
		})
	},
}

var jobsShowCmd = &cobra.Command{
	Use:   "show [job-id]",
	Short: "Show one job with its ledger total",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(st *store.Store) error {
			job, err := st.Jobs().GetJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			total, err := st.Ledger().DebitedTotal(cmd.Context(), job.ID)
			if err != nil {
				return err
			}
			fmt.Printf("id:        %s\n", job.ID)
			fmt.Printf("user:      %s\n", job.UserID)
			fmt.Printf("type:      %s\n", job.Type)
			fmt.Printf("state:     %s\n", job.State)
			fmt.Printf("file:      %s (%d bytes)\n", job.FileName, job.FileSize)
			fmt.Printf("progress:  %d%%\n", job.Progress)
			fmt.Printf("chunks:    %d\n", job.ChunkCount)
			fmt.Printf("charged:   %d credits\n", total)
			if job.ErrorMessage != "" {
				fmt.Printf("error:     %s\n", job.ErrorMessage)
			}
			return nil
		})
	},
}

// withStore opens the store for one admin command and closes it after.
func withStore(fn func(*store.Store) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := store.Open(cfg.Storage.DatabasePath)
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(st)
}

func init() {
	keysCmd.AddCommand(keysAddCmd)
	creditsCmd.AddCommand(creditsGrantCmd, creditsUnlimitedCmd, creditsBalanceCmd)
	jobsCmd.AddCommand(jobsListCmd, jobsShowCmd)
}
