package model

// Payload is the job submission consumed from clients and forwarded, possibly
// sliced per chunk, to worker proxies. Field names mirror the wire format.
type Payload struct {
	RuntimeName    string         `json:"runtime_name"`
	ExecutorID     string         `json:"executor_id"`
	JobID          string         `json:"job_id"`
	Config         PayloadConfig  `json:"config"`
	JobDescription JobDescription `json:"job_description"`

	// DataByteRanges holds one [start, end] entry per call. Before a chunk is
	// dispatched the list is rewritten to contain only that chunk's entries.
	DataByteRanges [][2]int64 `json:"data_byte_ranges"`

	// CallIDs is set per dispatch to the call identifiers assigned to the
	// target worker.
	CallIDs []string `json:"call_ids"`

	ChunkSize int `json:"chunksize"`
}

// PayloadConfig carries the per-request configuration section.
type PayloadConfig struct {
	Standalone StandaloneOverrides `json:"standalone"`
}

// StandaloneOverrides are the dismantle-policy settings a submission may
// override on the running control plane. Pointer fields distinguish "absent"
// from zero values.
type StandaloneOverrides struct {
	ExecMode             string `json:"exec_mode,omitempty"`
	AutoDismantle        *bool  `json:"auto_dismantle,omitempty"`
	SoftDismantleTimeout *int   `json:"soft_dismantle_timeout,omitempty"`
	HardDismantleTimeout *int   `json:"hard_dismantle_timeout,omitempty"`
	PullRuntime          bool   `json:"pull_runtime,omitempty"`
}

// JobDescription is the subset of the job description the control plane reads.
type JobDescription struct {
	TotalCalls int `json:"total_calls"`
}

// Clone returns a deep copy of the payload. Dispatchers mutate CallIDs and
// DataByteRanges per chunk, so each concurrent dispatch works on its own copy.
func (p *Payload) Clone() *Payload {
	c := *p
	if p.DataByteRanges != nil {
		c.DataByteRanges = make([][2]int64, len(p.DataByteRanges))
		copy(c.DataByteRanges, p.DataByteRanges)
	}
	if p.CallIDs != nil {
		c.CallIDs = make([]string, len(p.CallIDs))
		copy(c.CallIDs, p.CallIDs)
	}
	if p.Config.Standalone.AutoDismantle != nil {
		v := *p.Config.Standalone.AutoDismantle
		c.Config.Standalone.AutoDismantle = &v
	}
	if p.Config.Standalone.SoftDismantleTimeout != nil {
		v := *p.Config.Standalone.SoftDismantleTimeout
		c.Config.Standalone.SoftDismantleTimeout = &v
	}
	if p.Config.Standalone.HardDismantleTimeout != nil {
		v := *p.Config.Standalone.HardDismantleTimeout
		c.Config.Standalone.HardDismantleTimeout = &v
	}
	return &c
}

// JobKey returns the deterministic key for this payload's submission.
func (p *Payload) JobKey() string {
	return JobKey(p.ExecutorID, p.JobID)
}
