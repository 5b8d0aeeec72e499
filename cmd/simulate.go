// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"math"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/contexthub/nanostat/pkg/hostintf"
	"github.com/contexthub/nanostat/pkg/nanohub"
	"github.com/contexthub/nanostat/pkg/sysapp"
)

var (
	simResetReason uint32
	simKeysPath    string
	simSamplePer   time.Duration
)

// simAccel is the sensor the simulated hub offers
var simAccel = hostintf.SensorInfo{
	Name:       "accel",
	Type:       1,
	NumAxis:    hostintf.NumAxisThree,
	Interrupt:  uint8(hostintf.InterruptNonWakeup),
	MinSamples: 20,
}

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run a simulated hub on the connection",
	Long: `Serve the hub side of the Nanohub protocol on a serial port or WebSocket.

The simulated hub answers the built-in commands, batches samples from a
synthetic accelerometer (sensor type 1) and runs the system app, so app
listing, memory queries, uploads and reboots work against it. Uploaded
images are kept in memory.

Point a second nanostat at the other end of the link to exercise it.`,
	Args: cobra.NoArgs,
	RunE: runSimulate,
}

func init() {
	rootCmd.AddCommand(simulateCmd)
	simulateCmd.Flags().Uint32Var(&simResetReason, "reset-reason", 1, "Reset reason reported on the first read")
	simulateCmd.Flags().StringVar(&simKeysPath, "keys", "", "File served as the hub RSA key blob")
	simulateCmd.Flags().DurationVar(&simSamplePer, "sample-period", 10*time.Millisecond, "Accelerometer sample period while enabled")
}

func runSimulate(cmd *cobra.Command, args []string) error {
	conn, connInfo, err := OpenConnection(cmd.Context())
	if err != nil {
		return err
	}

	var appOpts []sysapp.Option
	appOpts = append(appOpts, sysapp.WithLogger(logger))
	if simKeysPath != "" {
		keys, err := os.ReadFile(simKeysPath)
		if err != nil {
			conn.Close()
			return err
		}
		appOpts = append(appOpts, sysapp.WithKeys(keys))
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	reg := hostintf.NewStaticRegistry(simAccel)
	sched := nanohub.NewScheduler(0)
	dev := hostintf.NewDevice(nanohub.NewStreamTransport(conn), reg, sched,
		hostintf.WithDeviceLogger(logger),
		hostintf.WithResetReason(simResetReason),
		hostintf.WithVersions(hostintf.Versions{HwType: 0x4E48, HwVer: 1, BlVer: 1, OsVer: 1, VariantVer: 0x00000001}),
	)
	appOpts = append(appOpts,
		sysapp.OnInstall(func(img sysapp.Image) {
			fmt.Printf("installed app 0x%016X v%d (%d bytes)\n", img.ID, img.Version, img.Size)
		}),
		sysapp.OnReboot(func() { fmt.Printf("reboot requested\n") }),
	)
	dev.RegisterApp(sysapp.New(dev, appOpts...))
	if err := dev.Start(); err != nil {
		conn.Close()
		return err
	}
	defer dev.Stop()

	fmt.Printf("nanostat - Simulated Hub\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Press Ctrl+C to exit\n\n")

	go runAccel(ctx, dev, reg)

	err = sched.Run(ctx)
	stats := dev.Link().Stats()
	fmt.Print("\n" + stats.String())
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// runAccel posts a slow circular motion while the host has the sensor on
func runAccel(ctx context.Context, dev *hostintf.Device, reg *hostintf.StaticRegistry) {
	if simSamplePer <= 0 {
		return
	}
	ticker := time.NewTicker(simSamplePer)
	defer ticker.Stop()

	_, handle, ok := reg.Find(simAccel.Type, 0)
	if !ok {
		return
	}
	var phase float64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if reg.Active(handle) == nil {
			continue
		}
		phase += 0.05
		dev.PostSample(&hostintf.SensorEvent{
			SensType:      simAccel.Type,
			ReferenceTime: dev.Now(),
			Triple: []hostintf.TripleAxisPoint{{
				X: float32(math.Cos(phase)),
				Y: float32(math.Sin(phase)),
				Z: 9.81,
			}},
		})
	}
}
