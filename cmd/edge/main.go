package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"sungrow-telemetry/config"
	"sungrow-telemetry/internal/collector"
	"sungrow-telemetry/internal/inverter"
	"sungrow-telemetry/internal/logger"
	"sungrow-telemetry/internal/modbus"
	"sungrow-telemetry/internal/spool"
	"sungrow-telemetry/internal/uploader"

	healthpkg "sungrow-telemetry/internal/health"
)

const modbusTimeout = 10 * time.Second

func main() {
	rootCmd := &cobra.Command{
		Use:   "edge",
		Short: "Sungrow edge daemon",
		Long:  "Polls a Sungrow SH4.0RS inverter over Modbus TCP, spools samples locally and uploads them to the telemetry server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(readCmd())
	rootCmd.AddCommand(testCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the poll and upload loops",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadEdge()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			log, err := logger.New(cfg.LogLevel, "json")
			if err != nil {
				return err
			}
			defer log.Sync()

			log.Info("edge daemon starting",
				zap.String("sungrow_host", cfg.SungrowHost),
				zap.Int("sungrow_port", cfg.SungrowPort),
				zap.Uint8("sungrow_slave_id", cfg.SungrowSlaveID),
				zap.Int("poll_interval_s", cfg.PollIntervalS),
				zap.Int("upload_interval_s", cfg.UploadIntervalS),
				zap.Int("batch_size", cfg.BatchSize),
				zap.String("spool_path", cfg.SpoolPath),
				zap.String("device_id", cfg.DeviceID),
				zap.String("server_base_url", cfg.ServerBaseURL),
				zap.String("device_token", logger.MaskToken(cfg.DeviceToken)))

			client := modbus.NewClient(cfg.SungrowHost, cfg.SungrowPort, cfg.SungrowSlaveID, modbusTimeout)
			defer client.Close()

			sp, err := spool.Open(cfg.SpoolPath)
			if err != nil {
				return err
			}
			defer sp.Close()

			up, err := uploader.New(cfg.ServerBaseURL, cfg.DeviceToken, cfg.BatchSize,
				cfg.UploadTimeout(), cfg.MaxBackoff(), sp, log)
			if err != nil {
				return err
			}

			coll := collector.New(collector.Config{
				Poller:         modbus.NewPoller(client, cfg.InterRegisterDelay(), cfg.ModbusMaxBackoff(), log),
				Normalizer:     inverter.NewNormalizer(log),
				Spool:          sp,
				Uploader:       up,
				Health:         healthpkg.NewWriter(cfg.HealthPath),
				Logger:         log,
				DeviceID:       cfg.DeviceID,
				PollInterval:   cfg.PollInterval(),
				UploadInterval: cfg.UploadInterval(),
				DrainTimeout:   cfg.UploadTimeout(),
			})

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				sig := <-sigChan
				log.Info("shutdown signal received", zap.String("signal", sig.String()))
				cancel()
			}()

			coll.Run(ctx)
			return nil
		},
	}
}

func readCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "read",
		Short: "Run one poll cycle and print the normalized sample",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadEdge()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			log, err := logger.New(cfg.LogLevel, "console")
			if err != nil {
				return err
			}
			defer log.Sync()

			client := modbus.NewClient(cfg.SungrowHost, cfg.SungrowPort, cfg.SungrowSlaveID, modbusTimeout)
			defer client.Close()

			poller := modbus.NewPoller(client, cfg.InterRegisterDelay(), cfg.ModbusMaxBackoff(), log)
			raw, err := poller.Poll(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to poll inverter: %w", err)
			}

			sample, err := inverter.NewNormalizer(log).Normalize(raw, cfg.DeviceID, time.Now().UTC())
			if err != nil {
				return fmt.Errorf("failed to normalize sample: %w", err)
			}

			output, _ := json.MarshalIndent(sample, "", "  ")
			fmt.Println(string(output))
			return nil
		},
	}
}

func testCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "test",
		Short: "Test the Modbus TCP connection to the inverter",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadEdge()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			fmt.Printf("Testing connection to %s:%d...\n", cfg.SungrowHost, cfg.SungrowPort)

			client := modbus.NewClient(cfg.SungrowHost, cfg.SungrowPort, cfg.SungrowSlaveID, modbusTimeout)
			if err := client.Connect(); err != nil {
				fmt.Printf("Connection FAILED: %v\n", err)
				return err
			}
			defer client.Close()

			fmt.Println("Connection SUCCESS!")

			serial, err := client.ReadString(inverter.RegSerialNumber, inverter.SerialNumberWords)
			if err != nil {
				fmt.Printf("Warning: could not read serial number: %v\n", err)
			} else {
				fmt.Printf("  Serial Number: %s\n", serial)
			}

			deviceType, err := client.ReadUint16(inverter.RegDeviceTypeCode)
			if err != nil {
				fmt.Printf("Warning: could not read device type: %v\n", err)
			} else {
				fmt.Printf("  Device Type:   0x%04X\n", deviceType)
			}

			return nil
		},
	}
}
