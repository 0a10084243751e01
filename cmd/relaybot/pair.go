package main

import (
	"context"
	"fmt"
	"time"

	"relaybot/internal/config"
	"relaybot/internal/transport"

	"github.com/spf13/cobra"
)

func pairCmd() *cobra.Command {
	var phone string
	cmd := &cobra.Command{
		Use:   "pair",
		Short: "Link the device-linked transport to a phone with a pairing code",
		Long: `Connects to the link bridge and requests a numeric pairing code for the
given phone number. Enter the code in the chat app under Linked devices.
Run this while the gateway is stopped.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if phone == "" {
				return fmt.Errorf("--phone is required")
			}
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			dl := cfg.Transports.DeviceLinked
			if !dl.Enabled {
				return fmt.Errorf("transports.deviceLinked.enabled is false")
			}

			device := transport.NewDeviceLinked(transport.DeviceLinkedConfig{
				Enabled:         true,
				BridgeURL:       dl.BridgeURL,
				SessionFile:     dl.SessionFile,
				PairingAttempts: dl.PairingAttempts,
				MaxBackoff:      config.Seconds(dl.MaxBackoffSeconds),
				Logger:          logger,
			})
			defer device.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
			defer cancel()

			res, err := device.Initialize(ctx)
			if err != nil {
				return err
			}
			if res.Success {
				fmt.Println("Already linked. Nothing to do.")
				return nil
			}

			code, err := device.RequestPairingCode(ctx, phone)
			if err != nil {
				return err
			}
			fmt.Printf("Pairing code: %s\n", code)
			fmt.Println("Enter it on the phone under Linked devices > Link with phone number.")
			return nil
		},
	}
	cmd.Flags().StringVar(&phone, "phone", "", "phone number in international format, e.g. +15550001111")
	return cmd
}
