package mirror

// Plan represents the sync operations to perform
type Plan struct {
	Add    []FileOp
	Update []FileOp
	Delete []FileOp

	// Unchanged counts tracked files whose mirror copy is current.
	Unchanged int
	// Failed counts source entries that could not be inspected.
	Failed int
}

// FileOp represents a file operation
type FileOp struct {
	RelPath    string // slash-separated path relative to both roots
	SourcePath string // absolute path in the source tree, empty for deletes
	DestPath   string // absolute path in the mirror
}

// Result summarizes one sync pass.
type Result struct {
	// Copied is the number of files written into the mirror. A pass over an
	// unchanged tree copies nothing.
	Copied    int  `json:"copied"`
	Deleted   int  `json:"deleted"`
	Unchanged int  `json:"unchanged"`
	Failed    int  `json:"failed"`
	DryRun    bool `json:"dry_run"`
}
