package store

import "time"

// Server os_type values.
const (
	OSLinux   = "linux"
	OSAIX     = "aix"
	OSUnknown = "unknown"
)

// ScanJob and WatchSession status values. Completed, failed, cancelled
// and stopped are terminal.
const (
	JobPending   = "pending"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
	JobCancelled = "cancelled"

	SessionActive  = "active"
	SessionPaused  = "paused"
	SessionStopped = "stopped"
	SessionError   = "error"
)

// ScanJob job_type values. A server job scans one host without
// following sources; a spider job crawls breadth-first from its seed.
const (
	JobTypeServer = "server"
	JobTypeSpider = "spider"
	JobTypeFull   = "full"
)

// Server is one host in the fleet, crawled or discovered as an event
// source. Zero time values mean "never".
type Server struct {
	ID              int64
	Hostname        string
	IPAddress       string
	OSType          string
	OSVersion       string
	SSHPort         int
	IsReachable     bool
	PreferAgent     bool
	LastScannedAt   time.Time
	ScanWatermark   time.Time
	LastError       string
	AgentTokenHash  string
	AgentVersion    string
	LastHeartbeatAt time.Time
}

// SSHKey is one public key identified by its SHA256 fingerprint. Private
// key material is never stored.
type SSHKey struct {
	ID                int64
	FingerprintSHA256 string // canonical "SHA256:" + unpadded base64
	FingerprintMD5    string // lower hex pairs, colon-joined
	KeyType           string
	KeyBits           int
	Comment           string
	IsHostKey         bool
	FirstSeenAt       time.Time
	FileMtime         time.Time
}

// KeyLocation records where a key was found on disk.
type KeyLocation struct {
	ID         int64
	ServerID   int64
	SSHKeyID   int64
	FilePath   string
	FileType   string // authorized_keys, identity, host_key
	UnixOwner  string
	UnixPerms  string // four-digit octal
	GraphLayer string // fixed "authorization"
	FileMtime  time.Time
	FileSize   int64
}

// AccessEvent is one observed authentication event. Fingerprint is ""
// when the auth method carries none, keeping the dedup key total.
type AccessEvent struct {
	ID             int64
	TargetServerID int64
	SourceIP       string
	SourceServerID int64 // 0 when the source is not a known server
	SSHKeyID       int64 // 0 when no key was involved or matched
	Fingerprint    string
	Username       string
	AuthMethod     string
	EventType      string
	EventTime      time.Time
	RawLogLine     string
	LogSource      string
}

// SudoEvent is one parsed sudo invocation.
type SudoEvent struct {
	ID         int64
	ServerID   int64
	Username   string
	TargetUser string
	TTY        string
	WorkingDir string
	Command    string
	EventTime  time.Time
	RawLogLine string
	LogSource  string
}

// AccessPath is the aggregated edge (source, target, key, username).
// Zero SourceServerID or SSHKeyID is the unknown sentinel.
type AccessPath struct {
	ID             int64
	SourceServerID int64
	TargetServerID int64
	SSHKeyID       int64
	Username       string
	FirstSeenAt    time.Time
	LastSeenAt     time.Time
	EventCount     int64
	IsAuthorized   bool
	IsUsed         bool
}

// UnreachableSource is a source IP seen authenticating that the jump
// host cannot itself reach.
type UnreachableSource struct {
	ID             int64
	SourceIP       string
	ReverseDNS     string
	Fingerprint    string
	SSHKeyID       int64
	TargetServerID int64
	Username       string
	FirstSeenAt    time.Time
	LastSeenAt     time.Time
	EventCount     int64
	Severity       string
	Acknowledged   bool
}

// ScanJob tracks one crawl. Terminal states are absorbing.
type ScanJob struct {
	ID               string
	JobType          string // full, server, spider
	Status           string
	Seed             string
	MaxDepth         int
	ServersScanned   int
	EventsParsed     int
	KeysFound        int
	UnreachableFound int
	Errors           int
	QueueSize        int
	CurrentServer    string
	ErrorDetail      string
	CreatedAt        time.Time
	StartedAt        time.Time
	FinishedAt       time.Time
}

// WatchSession is one live-tail session. At most one active session per
// server.
type WatchSession struct {
	ID             string
	ServerID       int64
	Status         string
	AutoSpider     bool
	SpiderDepth    int
	EventsCaptured int64
	LastEventAt    time.Time
	CreatedAt      time.Time
	StoppedAt      time.Time
}
