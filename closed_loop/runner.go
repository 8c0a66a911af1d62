package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	movingaverage "github.com/RobinUS2/golang-moving-average"
	"golang.org/x/sync/errgroup"

	"balancer-core/closed_loop/attitude"
	"balancer-core/closed_loop/autotune"
	control "balancer-core/closed_loop/balance_control"
	"balancer-core/closed_loop/motorbus"
	"balancer-core/closed_loop/telemetry"
	"balancer-core/utils"
)

// transport is a motor bus link that owns goroutines and must be closed.
type transport interface {
	motorbus.Transport
	Close() error
}

type Runner struct {
	cfg Config
	log *utils.Logger

	link   transport
	imu    IMUSource
	bus    *motorbus.Bus
	est    *attitude.Estimator
	ctl    *control.Controller
	tune   *autotune.Session
	hub    *telemetry.Hub
	mqtt   *telemetry.MQTTBridge
	server *http.Server

	commands chan telemetry.Command
	greeting atomic.Value // []string, read from HTTP goroutines

	started  time.Time
	lastTick time.Time
	lastIMU  time.Time

	ticks     uint64
	rounds    uint64
	overruns  uint64
	imuMisses uint64
	tickMs    *movingaverage.MovingAverage
}

func NewRunner(ctx context.Context, cfg Config, log *utils.Logger) (*Runner, error) {
	link, err := openTransport(ctx, cfg.Bus, log)
	if err != nil {
		return nil, err
	}
	imu, err := OpenIMU(cfg.IMU, log)
	if err != nil {
		_ = link.Close()
		return nil, fmt.Errorf("imu: %w", err)
	}

	r := newRunner(cfg, log, link, imu)

	if cfg.Telemetry.MQTT.Enabled {
		r.mqtt = telemetry.NewMQTTBridge(cfg.Telemetry.MQTT, r.commands, log)
		if err := r.mqtt.Connect(); err != nil {
			log.Warn("MQTT unavailable, continuing without it: %v", err)
		}
	}

	alive := r.bus.Init()
	for _, w := range motorbus.Wheels {
		if !alive[w] {
			log.Error("%s motor did not answer; check power and wiring", w)
		}
	}
	return r, nil
}

func openTransport(ctx context.Context, cfg BusConfig, log *utils.Logger) (transport, error) {
	switch cfg.Transport {
	case "socketcan":
		bus, err := utils.NewSocketCANBus(ctx, cfg.Interface, cfg.Queues, log)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", cfg.Interface, err)
		}
		return bus, nil
	case "slcan":
		bus, err := utils.NewSLCANBus(cfg.Serial, cfg.Queues, log)
		if err != nil {
			return nil, err
		}
		return bus, nil
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

// newRunner wires the components around an already open link and IMU.
func newRunner(cfg Config, log *utils.Logger, link transport, imu IMUSource) *Runner {
	r := &Runner{
		cfg:      cfg,
		log:      log,
		link:     link,
		imu:      imu,
		commands: make(chan telemetry.Command, 64),
		started:  time.Now(),
		tickMs:   movingaverage.New(500),
	}
	r.bus = motorbus.New(link, cfg.Bus.Protocol, log)
	r.est = attitude.New(cfg.Estimator)
	r.ctl = control.NewController(cfg.Controller, r.bus, log)
	r.tune = autotune.NewSession(cfg.AutoTune, r.ctl, log, r.onAutoTune)
	r.hub = telemetry.NewHub(r.commands, r.greetingLines, log)
	r.refreshGreeting()

	mux := http.NewServeMux()
	mux.Handle(cfg.Telemetry.Path, r.hub)
	r.server = &http.Server{
		Addr:              cfg.Telemetry.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return r
}

func (r *Runner) Close() {
	if r.mqtt != nil {
		r.mqtt.Close()
	}
	if r.imu != nil {
		_ = r.imu.Close()
	}
	if r.link != nil {
		_ = r.link.Close()
	}
}

// Run serves telemetry and drives the control loop until ctx is done.
func (r *Runner) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		r.log.Info("Telemetry on %s%s", r.cfg.Telemetry.Listen, r.cfg.Telemetry.Path)
		if err := r.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("telemetry server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		r.hub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		return r.server.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return r.controlLoop(ctx)
	})

	return g.Wait()
}

func (r *Runner) controlLoop(ctx context.Context) error {
	r.log.Info("Control loop starting: period=%v transport=%s imu=%s",
		r.cfg.Loop.Period, r.cfg.Bus.Transport, r.cfg.IMU.Source)

	ticker := time.NewTicker(r.cfg.Loop.Period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.bus.Stop()
			r.log.Info("Control loop stopped: ticks=%d overruns=%d imu_misses=%d",
				r.ticks, r.overruns, r.imuMisses)
			return ctx.Err()

		case now := <-ticker.C:
			r.tick(now)
		}
	}
}

// tick runs one control period. Everything the controller, estimator and
// auto-tune touch is owned by this goroutine.
func (r *Runner) tick(now time.Time) {
	start := time.Now()
	r.ticks++

	dt := r.cfg.Loop.Period
	if !r.lastTick.IsZero() {
		dt = min(now.Sub(r.lastTick), r.cfg.Loop.MaxDt)
	}
	r.lastTick = now

	att := r.est.State()
	sample, fresh := r.imu.Latest(now)
	if fresh {
		att = r.est.Update(sample, dt.Seconds())
		r.lastIMU = now
	} else {
		r.imuMisses++
		if r.tune.Active() {
			r.log.Error("IMU silent for %v; aborting auto-tune", now.Sub(r.lastIMU))
			r.tune.Abort()
		}
		if r.ctl.State().Driving() {
			r.log.Error("IMU silent for %v while %s; stopping", now.Sub(r.lastIMU), r.ctl.State())
			r.ctl.EmergencyStop()
		}
	}

	r.drainCommands(now)
	r.ctl.Tick(now, att, dt.Seconds())
	if !fresh {
		// a frozen attitude must not count toward the start gates
		r.ctl.ResetStability()
	}
	if r.tune.Active() {
		r.tune.Update(now)
	}

	state := r.ctl.State()
	if !state.Driving() && state != control.BenchTest && !r.tune.Active() &&
		r.ticks%uint64(r.cfg.Loop.PollEvery) == 0 {
		r.bus.PollParameters()
	}

	if r.ticks%uint64(r.cfg.Loop.TelemetryEvery) == 0 {
		r.publish(now)
	}

	elapsed := time.Since(start)
	r.tickMs.Add(float64(elapsed.Microseconds()) / 1000)
	if elapsed > r.cfg.Loop.Period {
		r.overruns++
	}
	if r.ticks%uint64(r.cfg.Loop.StatsEvery) == 0 {
		st := r.bus.Stats()
		r.log.Debug("Loop: mean=%.3fms overruns=%d imu_misses=%d clients=%d tx_fail=%d rx_timeout=%d rejected=%d mirrored=%d",
			r.tickMs.Avg(), r.overruns, r.imuMisses, r.hub.Clients(),
			st.TxFailures, st.ReadTimeouts, st.RejectedFrames, st.MirroredTicks)
	}
}

func (r *Runner) drainCommands(now time.Time) {
	for {
		select {
		case cmd := <-r.commands:
			r.handleCommand(now, cmd)
		default:
			return
		}
	}
}

func (r *Runner) handleCommand(now time.Time, cmd telemetry.Command) {
	if r.tune.Active() {
		switch c := cmd.(type) {
		case telemetry.AutoTune:
			if c.On {
				r.log.Warn("Auto-tune not restarted: %v", autotune.ErrActive)
				return
			}
			r.tune.Abort()
		case telemetry.Disconnect:
			r.ctl.ClearSteering()
		default:
			r.log.Debug("Ignoring %T while auto-tune runs", cmd)
		}
		return
	}

	switch c := cmd.(type) {
	case telemetry.Steer:
		if err := r.ctl.SetSteering(c.X, c.Y); err != nil {
			r.log.Warn("Steering ignored: %v", err)
		}

	case telemetry.Disconnect:
		r.ctl.ClearSteering()

	case telemetry.SetPID:
		if err := r.ctl.SetGains(c.Gains); err != nil {
			r.log.Warn("Gains ignored: %v", err)
			return
		}
		r.log.Info("Gains set: Kp=%.2f Ki=%.2f Kd=%.2f", c.Gains.Kp, c.Gains.Ki, c.Gains.Kd)
		r.refreshGreeting()
		r.broadcast(telemetry.PIDLine(r.ctl.Gains()))

	case telemetry.SetMotorGains:
		if r.busyDriving("motor gains") {
			return
		}
		if err := r.bus.SetSpeedLoopGains(c.Kp, c.Ki, c.Kd); err != nil {
			r.log.Error("Motor speed-loop gains: %v", err)
		}

	case telemetry.SetCurrentLimit:
		if r.busyDriving("current limit") {
			return
		}
		if err := r.bus.SetSpeedCurrentLimit(c.MilliAmps); err != nil {
			r.log.Error("Motor current limit: %v", err)
		}

	case telemetry.SetMotorMode:
		if r.busyDriving("motor mode") {
			return
		}
		if err := r.bus.SetModeAll(c.Mode); err != nil {
			r.log.Error("Motor mode %s: %v", c.Mode, err)
		}

	case telemetry.Activate:
		if !r.imuFresh(now) {
			r.log.Warn("Activate refused: no recent IMU sample")
			return
		}
		if err := r.ensureCurrentMode(); err != nil {
			r.log.Error("Activate: %v", err)
			return
		}
		if err := r.ctl.Activate(now); err != nil {
			r.log.Warn("Activate refused: %v", err)
		}

	case telemetry.EmergencyStop:
		r.log.Warn("Emergency stop from operator")
		r.ctl.EmergencyStop()

	case telemetry.Reset:
		r.ctl.Reset()

	case telemetry.Bench:
		if err := r.ctl.SetBenchTest(now, c.On); err != nil {
			r.log.Warn("Bench test: %v", err)
		}

	case telemetry.AutoTune:
		if !c.On {
			return
		}
		if !r.imuFresh(now) {
			r.log.Warn("Auto-tune refused: no recent IMU sample")
			return
		}
		if err := r.ensureCurrentMode(); err != nil {
			r.log.Error("Auto-tune: %v", err)
			return
		}
		if err := r.tune.Start(); err != nil {
			r.log.Warn("Auto-tune not started: %v", err)
		}

	default:
		r.log.Warn("Unhandled command %T", cmd)
	}
}

// busyDriving refuses blocking motor configuration writes while balancing.
func (r *Runner) busyDriving(what string) bool {
	if s := r.ctl.State(); s.Driving() || s == control.BenchTest {
		r.log.Warn("Refusing %s change while %s", what, s)
		return true
	}
	return false
}

func (r *Runner) imuFresh(now time.Time) bool {
	return !r.lastIMU.IsZero() && now.Sub(r.lastIMU) <= r.cfg.IMU.Timeout
}

func (r *Runner) ensureCurrentMode() error {
	if r.bus.Mode() == motorbus.ModeCurrent {
		return nil
	}
	if err := r.bus.SetModeAll(motorbus.ModeCurrent); err != nil {
		return fmt.Errorf("switch to current mode: %w", err)
	}
	return nil
}

func (r *Runner) publish(now time.Time) {
	f := telemetry.Frame{
		Uptime: now.Sub(r.started),
		Snap:   r.ctl.Snapshot(),
		Bus:    r.bus.Stats(),
	}
	for _, w := range motorbus.Wheels {
		f.Motors[w] = r.bus.Feedback(w)
	}

	r.broadcast(telemetry.AngleLine(f))
	r.broadcast(telemetry.TelemetryLine(f))
	r.rounds++
	if r.rounds%uint64(r.cfg.Loop.MotorEvery) == 0 {
		r.broadcast(telemetry.MotorLine(f))
	}
}

func (r *Runner) broadcast(line string) {
	r.hub.Broadcast(line)
	if r.mqtt != nil {
		r.mqtt.Publish(line)
	}
}

func (r *Runner) onAutoTune(st autotune.Status) {
	r.broadcast(telemetry.AutoTuneLine(st))
	r.refreshGreeting()
	r.broadcast(telemetry.PIDLine(r.ctl.Gains()))
}

func (r *Runner) refreshGreeting() {
	r.greeting.Store([]string{
		telemetry.PIDLine(r.ctl.Gains()),
		telemetry.ConfigLine(r.cfg.Telemetry.RobotWeightG, r.cfg.Telemetry.WheelDiameterMM),
	})
}

func (r *Runner) greetingLines() []string {
	lines, _ := r.greeting.Load().([]string)
	return lines
}
