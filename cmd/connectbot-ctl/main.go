// connectbot-ctl is the operator CLI for the control channel.
package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/bryanburgers/connectbot/internal/ctrlclient"
	"github.com/bryanburgers/connectbot/internal/wire"
)

var controlAddress string

func main() {
	root := &cobra.Command{
		Use:           "connectbot-ctl",
		Short:         "Operate a connectbot server over its control channel",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&controlAddress, "address", "[::1]:12345", "control address of the server")

	root.AddCommand(
		queryCommand(),
		connectCommand(),
		disconnectCommand(),
		extendCommand(),
		createCommand(),
		removeCommand(),
		setNameCommand(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func client() *ctrlclient.Client {
	return ctrlclient.New(controlAddress)
}

func queryCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "query",
		Short: "List devices, their forwards, and connection history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			snapshot, err := client().Clients(cmd.Context())
			if err != nil {
				return err
			}
			printSnapshot(cmd.OutOrStdout(), snapshot)
			return nil
		},
	}
}

func printSnapshot(out io.Writer, snapshot *wire.ClientsResponse) {
	w := tabwriter.NewWriter(out, 2, 4, 2, ' ', 0)
	defer w.Flush()

	for _, dev := range snapshot.Devices {
		name := dev.Name
		if name == "" {
			name = "-"
		}
		status := "disconnected"
		if dev.Address != "" {
			status = "connected from " + dev.Address
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", dev.ID, name, status)

		for _, fwd := range dev.Connections {
			lease := "inactive since " + unixTime(fwd.StateChange)
			if fwd.Active {
				lease = "until " + unixTime(fwd.StateChange)
			}
			target := fmt.Sprintf("%s:%d", fwd.ForwardHost, fwd.ForwardPort)
			fmt.Fprintf(w, "  forward %s\t%s -> :%d\t%s\t%s\n",
				fwd.ID, target, fwd.RemotePort, fwd.ClientState, lease)
		}
		for _, item := range dev.History {
			kind := "open"
			if item.Type == wire.HistoryClosed {
				kind = "closed"
			}
			fmt.Fprintf(w, "  session\t%s\t%s\tconnected %s\tlast %s\n",
				kind, item.Address, unixTime(item.ConnectedAt), unixTime(item.LastMessage))
		}
	}
}

func unixTime(sec int64) string {
	if sec == 0 {
		return "-"
	}
	return time.Unix(sec, 0).Format("2006-01-02 15:04:05")
}

func connectCommand() *cobra.Command {
	var (
		host    string
		port    uint16
		gateway bool
	)
	cmd := &cobra.Command{
		Use:   "connect <device>",
		Short: "Request an SSH forward on a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client().EnableForward(cmd.Context(), args[0], host, port, gateway)
			if err != nil {
				return err
			}
			if resp.Status != wire.StatusSuccess {
				return fmt.Errorf("connect %s: %s", args[0], resp.Status)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "connection %s on remote port %d\n", resp.ConnectionID, resp.RemotePort)
			return nil
		},
	}
	cmd.Flags().StringVar(&host, "host", "localhost", "host the device forwards to")
	cmd.Flags().Uint16Var(&port, "port", 22, "port the device forwards to")
	cmd.Flags().BoolVar(&gateway, "gateway", false, "bind the remote port on all interfaces")
	return cmd
}

func disconnectCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "disconnect <device> <connection-id>",
		Short: "Tear down an SSH forward",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client().DisableForward(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			if resp.Status != wire.StatusSuccess {
				return fmt.Errorf("disconnect %s: %s", args[1], resp.Status)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "disconnecting")
			return nil
		},
	}
}

func extendCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "extend <device> <connection-id>",
		Short: "Renew an SSH forward's lease",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client().ExtendForward(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			if resp.Status != wire.StatusSuccess {
				return fmt.Errorf("extend %s: %s", args[1], resp.Status)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "extended")
			return nil
		},
	}
}

func createCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "create <device>",
		Short: "Register a device id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := client().CreateDevice(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			switch result {
			case wire.CreateCreated:
				fmt.Fprintln(cmd.OutOrStdout(), "created")
			case wire.CreateExists:
				fmt.Fprintln(cmd.OutOrStdout(), "already exists")
			default:
				return fmt.Errorf("create %s: unexpected result %d", args[0], result)
			}
			return nil
		},
	}
}

func removeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <device>",
		Short: "Forget a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := client().RemoveDevice(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			switch result {
			case wire.RemoveRemoved:
				fmt.Fprintln(cmd.OutOrStdout(), "removed")
			case wire.RemoveNotFound:
				return fmt.Errorf("remove %s: not found", args[0])
			case wire.RemoveActive:
				return fmt.Errorf("remove %s: device is connected", args[0])
			default:
				return fmt.Errorf("remove %s: unexpected result %d", args[0], result)
			}
			return nil
		},
	}
}

func setNameCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "set-name <device> <name>",
		Short: "Assign a display name to a device",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := client().SetName(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			switch result {
			case wire.SetNameSuccess:
				fmt.Fprintln(cmd.OutOrStdout(), "renamed")
			case wire.SetNameNotFound:
				return fmt.Errorf("set-name %s: not found", args[0])
			default:
				return fmt.Errorf("set-name %s: unexpected result %d", args[0], result)
			}
			return nil
		},
	}
}
