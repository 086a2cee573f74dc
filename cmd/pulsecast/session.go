package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pulsecast/pulsecast/internal/db"
	"github.com/pulsecast/pulsecast/internal/models"
	"github.com/pulsecast/pulsecast/internal/repository"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Sending session management commands",
}

var sessionAddCmd = &cobra.Command{
	Use:   "add [name]",
	Short: "Register a sending session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionAdd,
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sending sessions",
	RunE:  runSessionList,
}

var sessionUpdateCmd = &cobra.Command{
	Use:   "update [id]",
	Short: "Update a sending session's weight or hourly cap",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionUpdate,
}

var sessionDisableCmd = &cobra.Command{
	Use:   "disable [id]",
	Short: "Disable a sending session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionSetEnabled(false),
}

var sessionEnableCmd = &cobra.Command{
	Use:   "enable [id]",
	Short: "Enable a sending session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionSetEnabled(true),
}

var (
	sessionWeight    int
	sessionHourlyCap int
)

func init() {
	sessionAddCmd.Flags().IntVar(&sessionWeight, "weight", 1, "Relative share for the weighted strategy")
	sessionAddCmd.Flags().IntVar(&sessionHourlyCap, "hourly-cap", 0, "Max messages per hour (0 = unlimited)")

	sessionUpdateCmd.Flags().IntVar(&sessionWeight, "weight", 1, "Relative share for the weighted strategy")
	sessionUpdateCmd.Flags().IntVar(&sessionHourlyCap, "hourly-cap", 0, "Max messages per hour (0 = unlimited)")

	sessionCmd.AddCommand(sessionAddCmd, sessionListCmd, sessionUpdateCmd, sessionEnableCmd, sessionDisableCmd)
}

func sessionRepo() (*repository.SessionRepository, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}

	database, err := db.New(cfg.Storage.Path)
	if err != nil {
		return nil, nil, err
	}

	return repository.NewSessionRepository(database.DB), func() { database.Close() }, nil
}

func runSessionAdd(cmd *cobra.Command, args []string) error {
	repo, closeDB, err := sessionRepo()
	if err != nil {
		return err
	}
	defer closeDB()

	s := &models.Session{
		Name:      args[0],
		Weight:    sessionWeight,
		HourlyCap: sessionHourlyCap,
		Enabled:   true,
	}
	if err := repo.Create(s); err != nil {
		return err
	}

	fmt.Printf("Session created: %s\n", s.ID)
	return nil
}

func runSessionUpdate(cmd *cobra.Command, args []string) error {
	repo, closeDB, err := sessionRepo()
	if err != nil {
		return err
	}
	defer closeDB()

	s, err := repo.GetByID(args[0])
	if err != nil {
		return err
	}
	if s == nil {
		return fmt.Errorf("session %s not found", args[0])
	}

	if cmd.Flags().Changed("weight") {
		s.Weight = sessionWeight
	}
	if cmd.Flags().Changed("hourly-cap") {
		s.HourlyCap = sessionHourlyCap
	}
	if err := repo.Update(s); err != nil {
		return err
	}

	fmt.Printf("Session updated: %s (weight %d, hourly cap %d)\n", s.ID, s.Weight, s.HourlyCap)
	return nil
}

func runSessionList(cmd *cobra.Command, args []string) error {
	repo, closeDB, err := sessionRepo()
	if err != nil {
		return err
	}
	defer closeDB()

	sessions, err := repo.List()
	if err != nil {
		return err
	}

	if len(sessions) == 0 {
		fmt.Println("No sessions registered")
		return nil
	}

	fmt.Printf("%-38s %-20s %-8s %-12s %s\n", "ID", "NAME", "WEIGHT", "HOURLY CAP", "ENABLED")
	for _, s := range sessions {
		fmt.Printf("%-38s %-20s %-8d %-12d %t\n", s.ID, s.Name, s.Weight, s.HourlyCap, s.Enabled)
	}
	return nil
}

func runSessionSetEnabled(enabled bool) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		repo, closeDB, err := sessionRepo()
		if err != nil {
			return err
		}
		defer closeDB()

		if err := repo.SetEnabled(args[0], enabled); err != nil {
			return err
		}

		state := "disabled"
		if enabled {
			state = "enabled"
		}
		fmt.Printf("Session %s %s\n", args[0], state)
		return nil
	}
}
