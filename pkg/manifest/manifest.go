// Package manifest provides loading and validation of job submission
// manifests.
//
// A submission manifest is a YAML or JSON file describing a batch of jobs
// to enqueue: each entry names a job id, a registered job type, and the
// parameter mapping handed to the type's factory. Manifests are validated
// before any job is submitted so a bad batch is rejected as a whole.
//
// Example manifest (YAML):
//
//	version: "1.0"
//	defaults:
//	  type: shell
//	jobs:
//	  - id: backup-2026-08-29
//	    params:
//	      command: ["sh", "-c", "tar czf /backups/data.tgz /data"]
//	  - id: smoke-sleep
//	    type: sleep
//	    params:
//	      duration: 5s
package manifest

// Manifest is a validated batch of job submissions.
type Manifest struct {
	// Version is the manifest format version. Must be "1.0".
	Version string `json:"version" yaml:"version" validate:"required,eq=1.0"`

	// Defaults are applied to every job entry that omits the field.
	Defaults Defaults `json:"defaults,omitempty" yaml:"defaults,omitempty"`

	// Jobs lists the submissions in order. At least one is required.
	Jobs []JobSpec `json:"jobs" yaml:"jobs" validate:"required,min=1,dive"`
}

// Defaults holds fallback values for job entries.
type Defaults struct {
	// Type is the job type used when an entry does not name one.
	Type string `json:"type,omitempty" yaml:"type,omitempty"`

	// Params are merged under each entry's params; entry values win on
	// conflict.
	Params map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
}

// JobSpec is one job submission.
type JobSpec struct {
	// ID is the caller-chosen job identifier. Must be unique within the
	// registry, not just the manifest.
	ID string `json:"id" yaml:"id" validate:"required"`

	// Type is the registered job type. Falls back to Defaults.Type.
	Type string `json:"type,omitempty" yaml:"type,omitempty"`

	// Params is the parameter mapping for the job factory.
	Params map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
}

// ApplyDefaults fills each job entry from the manifest defaults.
func (m *Manifest) ApplyDefaults() {
	for i := range m.Jobs {
		job := &m.Jobs[i]
		if job.Type == "" {
			job.Type = m.Defaults.Type
		}
		if len(m.Defaults.Params) == 0 {
			continue
		}
		merged := make(map[string]any, len(m.Defaults.Params)+len(job.Params))
		for k, v := range m.Defaults.Params {
			merged[k] = v
		}
		for k, v := range job.Params {
			merged[k] = v
		}
		job.Params = merged
	}
}
