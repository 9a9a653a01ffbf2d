package main

import (
	"fmt"

	"ridercomm/internal/core/domain"
	"ridercomm/pkg/validation"

	"github.com/spf13/cobra"
)

var hostCmd = &cobra.Command{
	Use:   "host [ROOM]",
	Short: "Host a call, generating a room code when none is given",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		room, err := hostRoom(args)
		if err != nil {
			return err
		}
		return runCall(cmd.Context(), domain.RoleHost, room)
	},
}

var joinCmd = &cobra.Command{
	Use:     "join ROOM",
	Aliases: []string{"j"},
	Short:   "Join a call hosted by another rider",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		room, err := parseRoom(args[0])
		if err != nil {
			return err
		}
		return runCall(cmd.Context(), domain.RoleClient, room)
	},
}

func hostRoom(args []string) (domain.RoomID, error) {
	if len(args) == 0 {
		return domain.NewRoomCode(), nil
	}
	return parseRoom(args[0])
}

// parseRoom validates a typed room code and upper-cases it.
func parseRoom(input string) (domain.RoomID, error) {
	if err := validation.ValidateRoomCode(input); err != nil {
		return "", fmt.Errorf("invalid room code: %w", err)
	}
	return domain.NormalizeRoomID(input), nil
}
