package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"

	"balancer-core/closed_loop/attitude"
	"balancer-core/utils"
)

const (
	iioDevicesDir   = "/sys/bus/iio/devices"
	standardGravity = 9.80665
	radToDeg        = 180 / math.Pi
)

// IMUSource hands the control loop the most recent IMU sample without blocking.
// ok is false when no sample newer than the configured timeout exists.
type IMUSource interface {
	Latest(now time.Time) (s attitude.Sample, ok bool)
	Close() error
}

// OpenIMU opens the source named by cfg.Source.
func OpenIMU(cfg IMUConfig, log *utils.Logger) (IMUSource, error) {
	switch cfg.Source {
	case "serial":
		return OpenSerialIMU(cfg, log)
	case "iio":
		return OpenIIOIMU(cfg.IIOPath, log)
	default:
		return nil, fmt.Errorf("unknown imu source %q", cfg.Source)
	}
}

// lineIMU reads "ax,ay,az,gx,gy,gz" text lines (g and deg/s) from a stream,
// typically a microcontroller streaming its IMU over USB serial.
type lineIMU struct {
	rc     io.ReadCloser
	maxAge time.Duration
	log    *utils.Logger
	done   chan struct{}

	mu     sync.Mutex
	sample attitude.Sample
	at     time.Time
	bad    uint64
}

func OpenSerialIMU(cfg IMUConfig, log *utils.Logger) (IMUSource, error) {
	port, err := serial.Open(cfg.Port, &serial.Mode{BaudRate: cfg.Baud})
	if err != nil {
		return nil, fmt.Errorf("open imu %s: %w", cfg.Port, err)
	}
	log.Info("IMU streaming from %s at %d baud", cfg.Port, cfg.Baud)
	return newLineIMU(port, cfg.Timeout, log), nil
}

func newLineIMU(rc io.ReadCloser, maxAge time.Duration, log *utils.Logger) *lineIMU {
	l := &lineIMU{rc: rc, maxAge: maxAge, log: log, done: make(chan struct{})}
	go l.readLoop()
	return l
}

func (l *lineIMU) readLoop() {
	defer close(l.done)
	sc := bufio.NewScanner(l.rc)
	for sc.Scan() {
		s, err := parseIMULine(sc.Text())
		if err != nil {
			l.mu.Lock()
			l.bad++
			l.mu.Unlock()
			l.log.Trace("IMU line rejected: %v", err)
			continue
		}
		l.mu.Lock()
		l.sample = s
		l.at = time.Now()
		l.mu.Unlock()
	}
	if err := sc.Err(); err != nil {
		l.log.Warn("IMU stream ended: %v", err)
	}
}

func (l *lineIMU) Latest(now time.Time) (attitude.Sample, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.at.IsZero() || now.Sub(l.at) > l.maxAge {
		return l.sample, false
	}
	return l.sample, true
}

// Rejected counts lines that did not parse.
func (l *lineIMU) Rejected() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.bad
}

func (l *lineIMU) Close() error {
	err := l.rc.Close()
	<-l.done
	return err
}

func parseIMULine(line string) (attitude.Sample, error) {
	var s attitude.Sample
	fields := strings.Split(strings.TrimSpace(line), ",")
	if len(fields) != 6 {
		return s, fmt.Errorf("want 6 fields, got %d", len(fields))
	}
	for i, f := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return s, fmt.Errorf("field %d: %w", i, err)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return s, fmt.Errorf("field %d not finite", i)
		}
		if i < 3 {
			s.Accel[i] = v
		} else {
			s.Gyro[i-3] = v
		}
	}
	return s, nil
}

// iioIMU samples a Linux industrial-I/O accelerometer/gyroscope through sysfs.
// Raw counts times the channel scale give m/s^2 and rad/s.
type iioIMU struct {
	dir        string
	accelPaths [3]string
	gyroPaths  [3]string
	accelScale [3]float64
	gyroScale  [3]float64
}

// OpenIIOIMU opens dir, or the first device exposing both accel and gyro
// channels when dir is empty.
func OpenIIOIMU(dir string, log *utils.Logger) (IMUSource, error) {
	if dir == "" {
		found, err := findIIODevice(iioDevicesDir)
		if err != nil {
			return nil, err
		}
		dir = found
	}
	imu, err := openIIODevice(dir)
	if err != nil {
		return nil, err
	}
	log.Info("IMU reading IIO device %s (accel scale %g, gyro scale %g)", dir, imu.accelScale[0], imu.gyroScale[0])
	return imu, nil
}

func findIIODevice(base string) (string, error) {
	entries, err := os.ReadDir(base)
	if err != nil {
		return "", fmt.Errorf("list iio devices: %w", err)
	}
	var names []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "iio:device") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, n := range names {
		dev := filepath.Join(base, n)
		if fileExists(filepath.Join(dev, "in_accel_x_raw")) && fileExists(filepath.Join(dev, "in_anglvel_x_raw")) {
			return dev, nil
		}
	}
	return "", errors.New("no iio device with accel and gyro channels")
}

func openIIODevice(dir string) (*iioIMU, error) {
	d := &iioIMU{dir: dir}
	for i, axis := range []string{"x", "y", "z"} {
		d.accelPaths[i] = filepath.Join(dir, "in_accel_"+axis+"_raw")
		d.gyroPaths[i] = filepath.Join(dir, "in_anglvel_"+axis+"_raw")
	}
	if !fileExists(d.accelPaths[0]) || !fileExists(d.gyroPaths[0]) {
		return nil, fmt.Errorf("iio device %s lacks accel or gyro channels", dir)
	}

	var err error
	if d.accelScale, err = readScales(dir, "accel"); err != nil {
		return nil, err
	}
	if d.gyroScale, err = readScales(dir, "anglvel"); err != nil {
		return nil, err
	}
	return d, nil
}

// readScales prefers per-axis scale files and falls back to the shared one.
func readScales(dir, channel string) ([3]float64, error) {
	var out [3]float64
	shared, haveShared := readFloatIfExists(filepath.Join(dir, "in_"+channel+"_scale"))
	for i, axis := range []string{"x", "y", "z"} {
		if v, ok := readFloatIfExists(filepath.Join(dir, "in_"+channel+"_"+axis+"_scale")); ok {
			out[i] = v
			continue
		}
		if !haveShared {
			return out, fmt.Errorf("iio %s: no %s scale", dir, channel)
		}
		out[i] = shared
	}
	return out, nil
}

func (d *iioIMU) Latest(time.Time) (attitude.Sample, bool) {
	var s attitude.Sample
	for i := 0; i < 3; i++ {
		a, err := readInt(d.accelPaths[i])
		if err != nil {
			return s, false
		}
		g, err := readInt(d.gyroPaths[i])
		if err != nil {
			return s, false
		}
		s.Accel[i] = float64(a) * d.accelScale[i] / standardGravity
		s.Gyro[i] = float64(g) * d.gyroScale[i] * radToDeg
	}
	return s, true
}

func (d *iioIMU) Close() error { return nil }

func fileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

func readInt(path string) (int64, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	s := strings.TrimSpace(string(b))
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %q: %w", s, err)
	}
	return v, nil
}

func readFloatIfExists(path string) (float64, bool) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(string(b)), 64)
	if err != nil {
		return 0, false
	}
	return f, true
}
