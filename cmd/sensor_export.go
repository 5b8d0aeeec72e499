// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/spf13/cobra"

	"github.com/contexthub/nanostat/pkg/bridge"
	"github.com/contexthub/nanostat/pkg/hostintf"
)

var (
	exportSensType uint8
	exportAxes     int
	exportRate     uint32
	exportLatency  time.Duration
	exportName     string
)

var sensorExportCmd = &cobra.Command{
	Use:   "sensor_export",
	Short: "Stream hub sensor samples into InfluxDB",
	Long: `Enable one hub sensor and write every sample it reports to InfluxDB.

Samples are timestamped in host time using the hub's clock offset. The
InfluxDB connection comes from the influx section of the config file.
Single-axis sensors write a "value" field, three-axis sensors write x, y
and z. The sensor is disabled again on exit.

Requires a packet link (--port or --url).`,
	Args: cobra.NoArgs,
	RunE: runSensorExport,
}

func init() {
	rootCmd.AddCommand(sensorExportCmd)
	f := sensorExportCmd.Flags()
	f.Uint8Var(&exportSensType, "sensor", 1, "Sensor type to enable")
	f.IntVar(&exportAxes, "axes", 3, "Axis count of the sensor (1 or 3)")
	f.Uint32Var(&exportRate, "rate", 100, "Sample rate in Hz")
	f.DurationVar(&exportLatency, "latency", 200*time.Millisecond, "Batching latency")
	f.StringVar(&exportName, "measurement", "hub_sensor", "InfluxDB measurement name")
}

// samplePoints converts one sensor record into InfluxDB points
func samplePoints(measurement string, rec *hostintf.DataBuffer) []*write.Point {
	times := rec.SampleTimes()
	tags := map[string]string{"sensor": strconv.Itoa(int(rec.SensType))}
	points := make([]*write.Point, 0, len(times))
	for i, t := range times {
		var fields map[string]interface{}
		switch rec.Shape {
		case hostintf.ShapeSingle:
			fields = map[string]interface{}{"value": rec.Single[i].Float()}
		case hostintf.ShapeTriple:
			p := rec.Triple[i]
			fields = map[string]interface{}{"x": p.X, "y": p.Y, "z": p.Z}
		case hostintf.ShapeRawTriple:
			p := rec.RawTriple[i]
			fields = map[string]interface{}{"x": p.X, "y": p.Y, "z": p.Z}
		default:
			continue
		}
		points = append(points, influxdb2.NewPoint(measurement, tags, fields, time.Unix(0, int64(t))))
	}
	return points
}

func runSensorExport(cmd *cobra.Command, args []string) error {
	in := cfg.Influx
	if !in.Enabled() {
		return errors.New("influx.url and influx.bucket must be set in the config file")
	}
	if cfg.Connection.Device != "" {
		return errors.New("sensor_export needs a packet link (--port or --url)")
	}
	info := hostintf.SensorInfo{Name: "export", Type: exportSensType, NumAxis: hostintf.NumAxisOne}
	switch exportAxes {
	case 1:
	case 3:
		info.NumAxis = hostintf.NumAxisThree
	default:
		return fmt.Errorf("--axes must be 1 or 3, got %d", exportAxes)
	}

	client := influxdb2.NewClient(in.URL, in.Token)
	defer client.Close()
	writeAPI := client.WriteAPI(in.Org, in.Bucket)
	defer writeAPI.Flush()
	go logWriteErrors(writeAPI)

	samples := 0
	records := make(chan *hostintf.DataBuffer, 64)
	hc, err := openHub(cmd.Context(),
		bridge.WithSensors(info),
		bridge.WithSensorSink(func(rec *hostintf.DataBuffer) {
			select {
			case records <- rec:
			default:
				logger.Warn("sensor record dropped", "sensor", rec.SensType)
			}
		}),
	)
	if err != nil {
		return err
	}
	defer hc.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	enable := &hostintf.ConfigCmd{
		SensType: exportSensType,
		Cmd:      hostintf.ConfigCmdEnable,
		Rate:     exportRate << 10, // hub rates are in 1/1024 Hz
		Latency:  uint64(exportLatency.Nanoseconds()),
	}
	if err := configure(ctx, hc, enable); err != nil {
		return fmt.Errorf("enable sensor %d: %w", exportSensType, err)
	}
	defer func() {
		disable := &hostintf.ConfigCmd{SensType: exportSensType, Cmd: hostintf.ConfigCmdDisable}
		if err := configure(context.Background(), hc, disable); err != nil {
			logger.Warn("disable failed", "sensor", exportSensType, "error", err)
		}
	}()

	fmt.Printf("nanostat - Sensor Export\n")
	fmt.Printf("Connection: %s\n", hc.info)
	fmt.Printf("InfluxDB: %s bucket %s\n", in.URL, in.Bucket)
	fmt.Printf("Sensor %d at %d Hz, press Ctrl+C to stop\n\n", exportSensType, exportRate)

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case rec := <-records:
			for _, p := range samplePoints(exportName, rec) {
				writeAPI.WritePoint(p)
				samples++
			}
		case <-ticker.C:
			fmt.Printf("%d samples exported\n", samples)
		case <-ctx.Done():
			fmt.Printf("%d samples exported\n", samples)
			return nil
		}
		if err := hc.bridge.Err(); err != nil {
			return err
		}
	}
}

func configure(ctx context.Context, hc *hubConnection, c *hostintf.ConfigCmd) error {
	ctx, cancel := context.WithTimeout(ctx, cfg.Session.Timeout)
	defer cancel()
	return hc.bridge.Configure(ctx, c)
}

func logWriteErrors(w api.WriteAPI) {
	for err := range w.Errors() {
		logger.Error("influx write failed", "error", err)
	}
}
