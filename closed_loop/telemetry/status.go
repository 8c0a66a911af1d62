package telemetry

import (
	"fmt"
	"time"

	"balancer-core/closed_loop/autotune"
	control "balancer-core/closed_loop/balance_control"
	"balancer-core/closed_loop/motorbus"
)

// Frame is everything one round of status lines is built from.
type Frame struct {
	Uptime time.Duration
	Snap   control.Snapshot
	Motors [motorbus.NumWheels]motorbus.MotorFeedback
	Bus    motorbus.Stats
}

func diagFlags(s control.State) (fallen, diag, bench int) {
	return control.BoolToInt(s == control.Fallen),
		control.BoolToInt(s == control.Diagnostic || s == control.BenchTest),
		control.BoolToInt(s == control.BenchTest)
}

// AngleLine: A,pitch,roll,yaw,output,fallen,diag,target,rate,speed,distance,cmdR,cmdL,actR,actL,bench
func AngleLine(f Frame) string {
	s := f.Snap
	fallen, diag, bench := diagFlags(s.State)
	return fmt.Sprintf("A,%.2f,%.2f,%.2f,%.1f,%d,%d,%.2f,%.2f,%.1f,%.1f,%d,%d,%d,%d,%d",
		s.Pitch, s.Roll, s.Yaw, s.Output, fallen, diag, s.FilteredTarget, s.PitchRate,
		s.LinearSpeed, s.DistanceMM,
		s.Command[motorbus.Right], s.Command[motorbus.Left],
		s.ActualRPM[motorbus.Right], s.ActualRPM[motorbus.Left], bench)
}

// TelemetryLine carries the full control diagnostic, with speed and distance
// in metres and the bus fault counters at the end.
func TelemetryLine(f Frame) string {
	s := f.Snap
	r, l := f.Motors[motorbus.Right], f.Motors[motorbus.Left]
	fallen, diag, bench := diagFlags(s.State)
	return fmt.Sprintf("T,%d,%.2f,%.2f,%.2f,%.1f,%d,%d,%d,%d,%.3f,%.4f,%.2f,%.2f,%.1f,%.1f,%.1f,%.1f,%d,%d,%.2f,%.1f,%.1f,%d,%d,%d,%d,%d,%d,%d,%d,%s",
		f.Uptime.Milliseconds(), s.Pitch, s.FilteredTarget, s.PitchRate, s.Output,
		s.Command[motorbus.Right], s.Command[motorbus.Left],
		s.ActualRPM[motorbus.Right], s.ActualRPM[motorbus.Left],
		s.LinearSpeed/1000, s.DistanceMM/1000,
		r.VoltageV, l.VoltageV, r.CurrentMA, l.CurrentMA, r.TemperatureC, l.TemperatureC,
		fallen, diag, s.DtMs, s.PIDRaw, s.PIDClamped, s.BaseOutput,
		s.Command[motorbus.Right], s.Command[motorbus.Left], bench,
		f.Bus.TxFailures, f.Bus.ReadTimeouts, f.Bus.RejectedFrames, f.Bus.MirroredTicks,
		s.State)
}

// MotorLine: M,cmdR,cmdL,actR,actL,vinR,vinL,curR,curL,tempR,tempL
func MotorLine(f Frame) string {
	s := f.Snap
	r, l := f.Motors[motorbus.Right], f.Motors[motorbus.Left]
	return fmt.Sprintf("M,%d,%d,%d,%d,%.2f,%.2f,%.1f,%.1f,%.1f,%.1f",
		s.Command[motorbus.Right], s.Command[motorbus.Left],
		s.ActualRPM[motorbus.Right], s.ActualRPM[motorbus.Left],
		r.VoltageV, l.VoltageV, r.CurrentMA, l.CurrentMA, r.TemperatureC, l.TemperatureC)
}

func PIDLine(g control.Gains) string {
	return fmt.Sprintf("P,%.1f,%.1f,%.2f", g.Kp, g.Ki, g.Kd)
}

// ConfigLine describes the robot to a newly connected client.
func ConfigLine(weightG, wheelDiameterMM int) string {
	return fmt.Sprintf("C,%d,%d", weightG, wheelDiameterMM)
}

// AutoTuneLine: AT,Grid,current,trial/trials,best,bestMs,runs/total,event
func AutoTuneLine(st autotune.Status) string {
	return fmt.Sprintf("AT,Grid,Kp%.1f/Kd%.2f,%d/%d,Kp%.1f/Kd%.2f,%d,%d/%d,%s",
		st.Current.Kp, st.Current.Kd, st.Trial+1, st.Trials,
		st.Best.Kp, st.Best.Kd, st.BestScore.Milliseconds(),
		st.RunsDone, st.TotalRuns, st.Event)
}
