package main

import (
	"fmt"
	"io"
	"os"

	"ridercomm/internal/infrastructure/netinfo"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var addrsCmd = &cobra.Command{
	Use:   "addrs",
	Short: "List the LAN addresses a relay on this machine is reachable at",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		resolver := netinfo.NewResolver(nil, cfg.Server.StaticIP, cfg.ListenPort())
		renderAddresses(os.Stdout, resolver.Resolve())
		return nil
	},
}

func renderAddresses(w io.Writer, addrs netinfo.Addresses) {
	if len(addrs.All) == 0 {
		fmt.Fprintf(w, "No network address found, riders on this machine can use %s\n", addrs.URL)
		return
	}

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"#", "Address", "URL", ""})
	for i, ip := range addrs.All {
		marker := ""
		if ip == addrs.Primary {
			marker = "primary"
		}
		t.AppendRow(table.Row{i + 1, ip, addrs.URLs[i], marker})
	}
	t.Render()

	if addrs.Primary != addrs.All[0] {
		fmt.Fprintf(w, "STATIC_IP overrides the primary address: %s\n", addrs.URL)
	}
}
