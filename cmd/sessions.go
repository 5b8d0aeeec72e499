// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"encoding/binary"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/contexthub/nanostat/pkg/contexthub"
)

var appsCmd = &cobra.Command{
	Use:   "apps",
	Short: "List the apps loaded on the hub",
	Args:  cobra.NoArgs,
	RunE:  runApps,
}

var memInfoCmd = &cobra.Command{
	Use:   "meminfo",
	Short: "Show hub memory regions",
	Long: `Query the hub memory layout and show the regions whose size and use
are both known. The shared region is reported as MAIN.`,
	Args: cobra.NoArgs,
	RunE: runMemInfo,
}

var appCmd = &cobra.Command{
	Use:   "app <enable|disable|unload> <app-id>",
	Short: "Enable, disable or unload a hub app",
	Long: `Run one app management command on the hub.

The app id is a 64-bit number, for example 0x476F6F676C000001. The hub
reports how many apps the command affected.`,
	Args: cobra.ExactArgs(2),
	RunE: runApp,
}

var loadAppCmd = &cobra.Command{
	Use:   "load_app <image>",
	Short: "Upload an app image and reboot the hub",
	Long: `Upload an app image to the hub in CONT_UPLOAD chunks, finish the
upload and reboot the hub so the app starts.

The hub keys are fetched before the first upload. The chunk size comes from
session.upload_chunk_size.`,
	Args: cobra.ExactArgs(1),
	RunE: runLoadApp,
}

var rebootCmd = &cobra.Command{
	Use:   "reboot",
	Short: "Reboot the hub OS",
	Args:  cobra.NoArgs,
	RunE:  runReboot,
}

func init() {
	rootCmd.AddCommand(appsCmd, memInfoCmd, appCmd, loadAppCmd, rebootCmd)
}

// parseAppID accepts decimal, 0x hex or bare 16-digit hex ids
func parseAppID(s string) (uint64, error) {
	if len(s) == 16 && !strings.HasPrefix(s, "0x") {
		s = "0x" + s
	}
	id, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid app id %q", s)
	}
	return id, nil
}

func runApps(cmd *cobra.Command, args []string) error {
	hc, err := openHub(cmd.Context())
	if err != nil {
		return err
	}
	defer hc.Close()

	rep, err := hc.system(cmd.Context(), contexthub.MsgQueryApps, nil)
	if err != nil {
		return fmt.Errorf("query apps: %w", err)
	}
	apps, err := contexthub.DecodeAppList(rep.Body)
	if err != nil {
		return err
	}

	fmt.Printf("%d app(s) on %s\n\n", len(apps), hc.info)
	if len(apps) == 0 {
		return nil
	}
	fmt.Printf("%-18s  %10s  %10s  %10s\n", "APP", "VERSION", "FLASH", "RAM")
	for _, a := range apps {
		fmt.Printf("0x%016X  %10d  %10d  %10d\n", a.ID, a.Version, a.FlashUse, a.RAMUse)
	}
	return nil
}

func runMemInfo(cmd *cobra.Command, args []string) error {
	hc, err := openHub(cmd.Context())
	if err != nil {
		return err
	}
	defer hc.Close()

	rep, err := hc.system(cmd.Context(), contexthub.MsgQueryMemory, nil)
	if err != nil {
		return fmt.Errorf("query memory: %w", err)
	}
	ranges, err := contexthub.DecodeMemList(rep.Body)
	if err != nil {
		return err
	}

	fmt.Printf("%-12s  %10s  %10s  %6s\n", "REGION", "TOTAL", "FREE", "USED")
	for _, r := range ranges {
		used := 0.0
		if r.Total > 0 {
			used = float64(r.Total-r.Free) * 100 / float64(r.Total)
		}
		fmt.Printf("%-12s  %10d  %10d  %5.1f%%\n", contexthub.MemTypeName(r.Type), r.Total, r.Free, used)
	}
	return nil
}

func runApp(cmd *cobra.Command, args []string) error {
	var msgType uint32
	switch args[0] {
	case "enable":
		msgType = contexthub.MsgAppsEnable
	case "disable":
		msgType = contexthub.MsgAppsDisable
	case "unload":
		msgType = contexthub.MsgUnloadApp
	default:
		return fmt.Errorf("unknown app command %q (use enable, disable or unload)", args[0])
	}
	id, err := parseAppID(args[1])
	if err != nil {
		return err
	}

	hc, err := openHub(cmd.Context())
	if err != nil {
		return err
	}
	defer hc.Close()

	rep, err := hc.system(cmd.Context(), msgType, contexthub.EncodeAppName(id))
	if err != nil {
		return fmt.Errorf("%s 0x%016X: %w", args[0], id, err)
	}
	count := uint32(0)
	if len(rep.Body) >= 4 {
		count = binary.LittleEndian.Uint32(rep.Body)
	}
	fmt.Printf("%s 0x%016X: %d app(s) affected\n", args[0], id, count)
	return nil
}

func runLoadApp(cmd *cobra.Command, args []string) error {
	image, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	if len(image) == 0 {
		return fmt.Errorf("%s is empty", args[0])
	}

	hc, err := openHub(cmd.Context())
	if err != nil {
		return err
	}
	defer hc.Close()

	fmt.Printf("Uploading %s (%d bytes, %d-byte chunks) to %s\n",
		args[0], len(image), cfg.Session.UploadChunkSize, hc.info)
	if _, err := hc.system(cmd.Context(), contexthub.MsgLoadApp, image); err != nil {
		return fmt.Errorf("load app: %w", err)
	}
	fmt.Printf("Loaded, hub rebooted\n")
	return nil
}

func runReboot(cmd *cobra.Command, args []string) error {
	hc, err := openHub(cmd.Context())
	if err != nil {
		return err
	}
	defer hc.Close()

	rep, err := hc.system(cmd.Context(), contexthub.MsgOsReboot, nil)
	if err != nil {
		return fmt.Errorf("reboot: %w", err)
	}
	if len(rep.Body) >= 4 {
		fmt.Printf("Hub rebooted, reason %d\n", binary.LittleEndian.Uint32(rep.Body))
	} else {
		fmt.Printf("Hub rebooted\n")
	}
	return nil
}
