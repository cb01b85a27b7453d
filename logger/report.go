package logger

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type sourceStat struct {
	completed int64
	timedOut  int64
	errored   int64
	records   int64
}

var (
	runs          int64
	recordsTotal  int64
	lastRunMs     int64
	warnCounts    sync.Map // component -> *int64
	errorCounts   sync.Map // component -> *int64
	sourceOutcome sync.Map // exchange -> *sourceStat
)

func bump(m *sync.Map, key string) {
	v, _ := m.LoadOrStore(key, new(int64))
	atomic.AddInt64(v.(*int64), 1)
}

func recordWarn(component string) {
	bump(&warnCounts, component)
}

func recordError(component string) {
	bump(&errorCounts, component)
}

// RecordRun counts one finished aggregation run.
func RecordRun(duration time.Duration, records int) {
	atomic.AddInt64(&runs, 1)
	atomic.AddInt64(&recordsTotal, int64(records))
	atomic.StoreInt64(&lastRunMs, duration.Milliseconds())
}

// RecordSourceOutcome counts the terminal status of one source in a run.
// status is one of completed, timed_out or errored.
func RecordSourceOutcome(exchange, status string, records int) {
	v, _ := sourceOutcome.LoadOrStore(exchange, &sourceStat{})
	st := v.(*sourceStat)
	switch status {
	case "completed":
		atomic.AddInt64(&st.completed, 1)
	case "timed_out":
		atomic.AddInt64(&st.timedOut, 1)
	default:
		atomic.AddInt64(&st.errored, 1)
	}
	atomic.AddInt64(&st.records, int64(records))
}

func counterMap(m *sync.Map) map[string]int64 {
	out := map[string]int64{}
	m.Range(func(k, v any) bool {
		out[k.(string)] = atomic.LoadInt64(v.(*int64))
		return true
	})
	return out
}

func sourceMap() map[string]map[string]int64 {
	out := map[string]map[string]int64{}
	sourceOutcome.Range(func(k, v any) bool {
		st := v.(*sourceStat)
		out[k.(string)] = map[string]int64{
			"completed": atomic.LoadInt64(&st.completed),
			"timed_out": atomic.LoadInt64(&st.timedOut),
			"errored":   atomic.LoadInt64(&st.errored),
			"records":   atomic.LoadInt64(&st.records),
		}
		return true
	})
	return out
}

// ReportFields returns the cumulative counters as log fields.
func ReportFields() Fields {
	return Fields{
		"runs":          atomic.LoadInt64(&runs),
		"records_total": atomic.LoadInt64(&recordsTotal),
		"last_run_ms":   atomic.LoadInt64(&lastRunMs),
		"warns":         counterMap(&warnCounts),
		"errors":        counterMap(&errorCounts),
		"sources":       sourceMap(),
		"goroutines":    runtime.NumGoroutine(),
	}
}

// StartReport logs cumulative run statistics every interval until ctx is
// cancelled.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

func logReport(ctx context.Context, log *Log) {
	fields := ReportFields()
	log.WithComponent("report").WithFields(fields).Info("runtime report")

	data := []cwtypes.MetricDatum{
		{MetricName: aws.String("Runs"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["runs"].(int64)))},
		{MetricName: aws.String("RecordsProduced"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["records_total"].(int64)))},
		{MetricName: aws.String("RunDurationMs"), Unit: cwtypes.StandardUnitMilliseconds, Value: aws.Float64(float64(fields["last_run_ms"].(int64)))},
		{MetricName: aws.String("Goroutines"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(runtime.NumGoroutine()))},
	}

	for exchange, st := range fields["sources"].(map[string]map[string]int64) {
		dims := []cwtypes.Dimension{{Name: aws.String("Exchange"), Value: aws.String(exchange)}}
		data = append(data,
			cwtypes.MetricDatum{MetricName: aws.String("SourceTimeouts"), Unit: cwtypes.StandardUnitCount, Dimensions: dims, Value: aws.Float64(float64(st["timed_out"]))},
			cwtypes.MetricDatum{MetricName: aws.String("SourceErrors"), Unit: cwtypes.StandardUnitCount, Dimensions: dims, Value: aws.Float64(float64(st["errored"]))},
			cwtypes.MetricDatum{MetricName: aws.String("SourceRecords"), Unit: cwtypes.StandardUnitCount, Dimensions: dims, Value: aws.Float64(float64(st["records"]))},
		)
	}

	publishMetrics(ctx, data)
}
