package adapter

import (
	"encoding/json"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/orrn/printfleet/internal/eventbus"
)

// cancelledErrorCode is the print_error a broker printer reports when the
// user stops a print from the touchscreen or app.
const cancelledErrorCode = 50348044

type octoCurrent struct {
	State struct {
		Text  string `json:"text"`
		Flags struct {
			Operational bool `json:"operational"`
			Printing    bool `json:"printing"`
			Paused      bool `json:"paused"`
			Pausing     bool `json:"pausing"`
			Cancelling  bool `json:"cancelling"`
			Ready       bool `json:"ready"`
			Error       bool `json:"error"`
		} `json:"flags"`
		Error string `json:"error"`
	} `json:"state"`
	Job struct {
		File struct {
			Name string `json:"name"`
		} `json:"file"`
	} `json:"job"`
	Progress struct {
		Completion    *float64 `json:"completion"`
		PrintTimeLeft *float64 `json:"printTimeLeft"`
	} `json:"progress"`
	Temps []map[string]json.RawMessage `json:"temps"`
}

func normalizeOctoCurrent(raw json.RawMessage) (eventbus.Telemetry, error) {
	var cur octoCurrent
	if err := json.Unmarshal(raw, &cur); err != nil {
		return eventbus.Telemetry{}, err
	}
	flags := cur.State.Flags
	t := eventbus.Telemetry{
		Printing:         flags.Printing,
		Paused:           flags.Paused || flags.Pausing,
		Idle:             flags.Operational && !flags.Printing && !flags.Paused && !flags.Pausing && !flags.Error,
		StateText:        cur.State.Text,
		Progress:         cur.Progress.Completion,
		RemainingSeconds: cur.Progress.PrintTimeLeft,
		FileName:         cur.Job.File.Name,
		ErrorCode:        cur.State.Error,
	}
	if t.Printing && t.Progress != nil {
		t.Lifecycle = eventbus.LifecycleProgress
	}
	if n := len(cur.Temps); n > 0 {
		t.Temperatures = make(map[string]eventbus.Temperature)
		for zone, v := range cur.Temps[n-1] {
			if zone == "time" {
				continue
			}
			var temp struct {
				Actual *float64 `json:"actual"`
				Target *float64 `json:"target"`
			}
			if err := json.Unmarshal(v, &temp); err != nil || temp.Actual == nil {
				continue
			}
			z := eventbus.Temperature{Actual: *temp.Actual}
			if temp.Target != nil {
				z.Target = *temp.Target
			}
			t.Temperatures[zone] = z
		}
	}
	return t, nil
}

// octoLifecycle maps a push event type to a lifecycle edge.
func octoLifecycle(eventType string) (eventbus.Lifecycle, bool) {
	switch eventType {
	case "PrintStarted":
		return eventbus.LifecycleStarted, true
	case "PrintDone":
		return eventbus.LifecycleCompleted, true
	case "PrintFailed":
		return eventbus.LifecycleFailed, true
	case "PrintCancelled":
		return eventbus.LifecycleCancelled, true
	case "PrintPaused":
		return eventbus.LifecyclePaused, true
	case "PrintResumed":
		return eventbus.LifecycleResumed, true
	}
	return eventbus.LifecycleNone, false
}

// brokerState accumulates the partial print reports of a broker printer.
type brokerState struct {
	fields    map[string]any
	lastGcode string
	observed  bool
}

func newBrokerState() *brokerState {
	return &brokerState{fields: make(map[string]any)}
}

func (b *brokerState) reset() {
	b.fields = make(map[string]any)
	b.lastGcode = ""
	b.observed = false
}

// merge folds a report's print object into the known state and returns the
// resulting telemetry. ok is false when the report carried no print object.
func (b *brokerState) merge(payload []byte, now time.Time) (eventbus.Telemetry, bool, error) {
	var report struct {
		Print map[string]any `json:"print"`
	}
	if err := json.Unmarshal(payload, &report); err != nil {
		return eventbus.Telemetry{}, false, err
	}
	if report.Print == nil {
		return eventbus.Telemetry{}, false, nil
	}
	for k, v := range report.Print {
		b.fields[k] = v
	}

	state := strings.ToUpper(b.str("gcode_state"))
	t := eventbus.Telemetry{
		StateText:  state,
		Printing:   state == "RUNNING" || state == "PREPARE" || state == "SLICING",
		Paused:     state == "PAUSE",
		Idle:       state == "IDLE" || state == "FINISH" || state == "FAILED",
		ReceivedAt: now,
	}
	if v, ok := b.num("mc_percent"); ok {
		t.Progress = &v
	}
	if v, ok := b.num("mc_remaining_time"); ok {
		secs := v * 60
		t.RemainingSeconds = &secs
	}
	if v, ok := b.num("layer_num"); ok {
		n := int(v)
		t.Layer = &n
	}
	if v, ok := b.num("total_layer_num"); ok {
		n := int(v)
		t.TotalLayers = &n
	}
	printErr, _ := b.num("print_error")
	if printErr != 0 {
		t.ErrorCode = strconv.FormatInt(int64(printErr), 10)
	}
	t.FileName = b.fileName()

	t.Temperatures = make(map[string]eventbus.Temperature)
	for zone, keys := range map[string][2]string{
		"nozzle":  {"nozzle_temper", "nozzle_target_temper"},
		"bed":     {"bed_temper", "bed_target_temper"},
		"chamber": {"chamber_temper", ""},
	} {
		actual, ok := b.num(keys[0])
		if !ok {
			continue
		}
		z := eventbus.Temperature{Actual: actual}
		if keys[1] != "" {
			z.Target, _ = b.num(keys[1])
		}
		t.Temperatures[zone] = z
	}

	t.Lifecycle, t.FailureReason = b.edge(state, int64(printErr))
	if state != "" {
		b.lastGcode = state
		b.observed = true
	}
	return t, true, nil
}

func brokerActive(state string) bool {
	return state == "RUNNING" || state == "PREPARE" || state == "PAUSE" || state == "SLICING"
}

// edge derives the lifecycle from the previous and current gcode_state. The
// first observation after connecting never reports a start.
func (b *brokerState) edge(cur string, printErr int64) (eventbus.Lifecycle, string) {
	if cur == "" {
		return eventbus.LifecycleNone, ""
	}
	prev := b.lastGcode
	if !b.observed {
		if cur == "RUNNING" {
			return eventbus.LifecycleProgress, ""
		}
		return eventbus.LifecycleNone, ""
	}
	switch {
	case !brokerActive(prev) && (cur == "RUNNING" || cur == "PREPARE"):
		return eventbus.LifecycleStarted, ""
	case (prev == "RUNNING" || prev == "PREPARE") && cur == "PAUSE":
		return eventbus.LifecyclePaused, ""
	case prev == "PAUSE" && cur == "RUNNING":
		return eventbus.LifecycleResumed, ""
	case brokerActive(prev) && cur == "FINISH":
		return eventbus.LifecycleCompleted, ""
	case brokerActive(prev) && cur == "FAILED":
		if printErr == cancelledErrorCode {
			return eventbus.LifecycleCancelled, ""
		}
		reason := "printer reported failure"
		if printErr != 0 {
			reason = "printer reported error " + strconv.FormatInt(printErr, 10)
		}
		return eventbus.LifecycleFailed, reason
	case cur == "RUNNING":
		return eventbus.LifecycleProgress, ""
	}
	return eventbus.LifecycleNone, ""
}

func (b *brokerState) str(key string) string {
	s, _ := b.fields[key].(string)
	return s
}

func (b *brokerState) num(key string) (float64, bool) {
	switch v := b.fields[key].(type) {
	case float64:
		return v, true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	}
	return 0, false
}

func (b *brokerState) fileName() string {
	gcode := b.str("gcode_file")
	if gcode != "" && !strings.Contains(gcode, "Metadata/") {
		return path.Base(gcode)
	}
	return b.str("subtask_name")
}
