// Package ingestion loads the combined sandbox/keylogger record and turns it
// into a typed snapshot the timeline engine works on.
package ingestion

import (
	"fmt"
)

// SchemaVersion identifies the snapshot layout produced by this package.
const SchemaVersion = "v1"

// Record is the wire shape of the combined input. The log assembler writes
// the sandbox report under "Cuckoo" and the keylogger text under "KeyLogger".
type Record struct {
	Cuckoo    *reportRecord `json:"Cuckoo"`
	KeyLogger *string       `json:"KeyLogger"`
}

type reportRecord struct {
	Behavior *behaviorRecord `json:"behavior"`
	Network  *networkRecord  `json:"network"`
}

type behaviorRecord struct {
	Generic   []genericRecord `json:"generic"`
	Processes []processRecord `json:"processes"`
}

type genericRecord struct {
	FirstSeen Timestamp `json:"first_seen"`
}

// Only the fields the engine reads are decoded, so identifiers such as
// pid, process_name or ports never fail a record on their type.
type processRecord struct {
	Calls []callRecord `json:"calls"`
}

type callRecord struct {
	Time      Timestamp      `json:"time"`
	Category  string         `json:"category"`
	API       string         `json:"api"`
	Arguments map[string]any `json:"arguments"`
}

type networkRecord struct {
	UDP []connectionRecord `json:"udp"`
	TCP []connectionRecord `json:"tcp"`
}

type connectionRecord struct {
	Time Timestamp `json:"time"`
}

// Snapshot is the typed view of one combined record. It is built once at
// the input boundary and is read-only afterwards.
type Snapshot struct {
	SchemaVersion string
	Report        Report
	KeyLog        string
}

// Report holds the parts of the sandbox report the engine reads.
type Report struct {
	// Epoch is behavior.generic[0].first_seen, nil when absent.
	Epoch     *float64
	Processes []Process
	UDP       []NetworkRecord
	TCP       []NetworkRecord
}

// Process is one monitored process and its API call trace.
type Process struct {
	Calls []Call
}

// Call is one traced API call.
type Call struct {
	Time     float64
	Category string
	API      string
	// Buffer is arguments.buffer when present and a string.
	Buffer *string
}

// NetworkRecord is one UDP or TCP connection entry.
type NetworkRecord struct {
	Time float64
}

// CallCount returns the number of calls across all processes.
func (r Report) CallCount() int {
	n := 0
	for _, p := range r.Processes {
		n += len(p.Calls)
	}
	return n
}

// Snapshot converts the wire record into the typed snapshot. Absent nested
// objects become empty values; a call or connection without a usable time
// is an input error.
func (rec *Record) Snapshot() (*Snapshot, error) {
	snap := &Snapshot{SchemaVersion: SchemaVersion}
	if rec.KeyLogger != nil {
		snap.KeyLog = *rec.KeyLogger
	}

	if rec.Cuckoo == nil {
		return snap, nil
	}

	if b := rec.Cuckoo.Behavior; b != nil {
		if len(b.Generic) > 0 && b.Generic[0].FirstSeen.Valid {
			epoch := b.Generic[0].FirstSeen.Seconds
			snap.Report.Epoch = &epoch
		}

		for pi, p := range b.Processes {
			proc := Process{}
			for ci, c := range p.Calls {
				if !c.Time.Valid {
					return nil, fmt.Errorf("%w: processes[%d].calls[%d].time is null", ErrMalformedTimestamp, pi, ci)
				}
				proc.Calls = append(proc.Calls, Call{
					Time:     c.Time.Seconds,
					Category: c.Category,
					API:      c.API,
					Buffer:   stringArgument(c.Arguments, "buffer"),
				})
			}
			snap.Report.Processes = append(snap.Report.Processes, proc)
		}
	}

	if n := rec.Cuckoo.Network; n != nil {
		var err error
		if snap.Report.UDP, err = connections("udp", n.UDP); err != nil {
			return nil, err
		}
		if snap.Report.TCP, err = connections("tcp", n.TCP); err != nil {
			return nil, err
		}
	}

	return snap, nil
}

func connections(proto string, in []connectionRecord) ([]NetworkRecord, error) {
	out := make([]NetworkRecord, 0, len(in))
	for i, c := range in {
		if !c.Time.Valid {
			return nil, fmt.Errorf("%w: network.%s[%d].time is null", ErrMalformedTimestamp, proto, i)
		}
		out = append(out, NetworkRecord{Time: c.Time.Seconds})
	}
	return out, nil
}

func stringArgument(args map[string]any, key string) *string {
	if args == nil {
		return nil
	}
	s, ok := args[key].(string)
	if !ok {
		return nil
	}
	return &s
}
