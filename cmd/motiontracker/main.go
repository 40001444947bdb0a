// motiontracker records a fixed-duration driving session from an IMU and a
// GPS subprocess, fuses the stream through the selected filter(s), detects
// incidents, and persists everything under --out. Ctrl+C (or a SIGTERM)
// stops the session early and still runs a final save.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/asgard/motiontracker/internal/metrics"
	"github.com/asgard/motiontracker/internal/sensors"
	"github.com/asgard/motiontracker/internal/session"
)

const (
	exitOK           = 0
	exitFatalInit    = 1
	exitAbnormalStop = 2
)

func main() {
	filterFlag := flag.String("filter", "all", "estimator(s) to run: complementary|ekf|es-ekf|all")
	enableGyro := flag.Bool("enable-gyro", true, "feed gyro samples to rotation tracking and the es-ekf/ekf estimators")
	rateMs := flag.Int("rate-ms", 20, "expected IMU sample period in milliseconds, used only for daemon start grace tuning")
	saveIntervalSec := flag.Int("save-interval", 120, "autosave interval in seconds")
	outDir := flag.String("out", "./sessions", "directory to write session chunks, incidents, and the final summary")
	imuCmdFlag := flag.String("imu-cmd", "", "shell command producing the IMU sample stream on stdout (required)")
	gpsCmdFlag := flag.String("gps-cmd", "", "shell command producing the GPS fix stream on stdout (required)")
	logLevel := flag.String("log-level", "info", "logrus level: debug|info|warn|error")
	flag.Parse()

	log := logrus.New()
	if lvl, err := logrus.ParseLevel(*logLevel); err == nil {
		log.SetLevel(lvl)
	}
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if flag.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: motiontracker [flags] <minutes>")
		flag.PrintDefaults()
		os.Exit(exitFatalInit)
	}
	var minutes float64
	if _, err := fmt.Sscanf(flag.Arg(0), "%f", &minutes); err != nil || minutes <= 0 {
		fmt.Fprintf(os.Stderr, "invalid duration %q: must be a positive number of minutes\n", flag.Arg(0))
		os.Exit(exitFatalInit)
	}

	filter := session.FilterSelection(strings.ToLower(*filterFlag))
	switch filter {
	case session.FilterComplementary, session.FilterEKF, session.FilterESEKF, session.FilterAll:
	default:
		fmt.Fprintf(os.Stderr, "invalid --filter %q: must be complementary|ekf|es-ekf|all\n", *filterFlag)
		os.Exit(exitFatalInit)
	}
	if *imuCmdFlag == "" || *gpsCmdFlag == "" {
		fmt.Fprintln(os.Stderr, "both --imu-cmd and --gps-cmd are required")
		os.Exit(exitFatalInit)
	}

	registry, _ := metrics.New()

	cfg := session.Config{
		Filter:       filter,
		EnableGyro:   *enableGyro,
		SaveInterval: time.Duration(*saveIntervalSec) * time.Second,
		OutDir:       *outDir,
		Metrics:      registry,
		IMUFactory:   shellDaemonFactory("imu", *imuCmdFlag, time.Duration(*rateMs)*time.Millisecond*5, log),
		GPSFactory:   shellDaemonFactory("gps", *gpsCmdFlag, time.Second, log),
	}

	coord := session.New(cfg, log)
	if err := coord.Start(); err != nil {
		log.WithError(err).Error("fatal init failure")
		os.Exit(exitFatalInit)
	}
	log.WithFields(logrus.Fields{"filter": filter, "duration_min": minutes, "session_id": coord.SessionID()}).
		Info("session recording started")

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(minutes*float64(time.Minute)))
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.WithField("signal", sig).Info("received signal, stopping early")
	case <-ctx.Done():
		log.Info("requested duration elapsed, stopping")
	}

	stats, err := coord.Stop()
	if err != nil {
		log.WithError(err).Error("abnormal shutdown")
		os.Exit(exitAbnormalStop)
	}

	log.WithFields(logrus.Fields{
		"accel_samples":  stats.AccelCount,
		"gyro_samples":   stats.GyroCount,
		"gps_samples":    stats.GpsCount,
		"imu_drops":      stats.IMUDrops,
		"gps_drops":      stats.GPSDrops,
		"imu_restarts":   stats.RestartsIMU,
		"gps_restarts":   stats.RestartsGPS,
		"incidents":      stats.IncidentsByKind,
		"peak_rss_bytes": stats.PeakRSSBytes,
	}).Info("session stopped, final save complete")

	fmt.Printf("session %s saved to %s\n", coord.SessionID(), *outDir)
	os.Exit(exitOK)
}

// shellDaemonFactory returns a session.DaemonFactory that runs shellCmd under
// "sh -c" as the sensor subprocess, expecting newline-delimited JSON records
// on stdout.
func shellDaemonFactory(name, shellCmd string, startGrace time.Duration, log *logrus.Logger) session.DaemonFactory {
	return func(sessionStart time.Time) (*sensors.Daemon, error) {
		cfg := sensors.DefaultConfig(name, "sh", "-c", shellCmd)
		if startGrace > 0 {
			cfg.StartGrace = startGrace
		}
		d := sensors.New(cfg, sessionStart, log)
		if err := d.Start(); err != nil {
			return nil, err
		}
		return d, nil
	}
}
