package entity

type AccountType string

const (
	TypeIMAP     AccountType = "imap"
	TypeMaildir  AccountType = "maildir"
	TypeCalendar AccountType = "calendar"
)

type ProblemKind string

const (
	// ProblemCredentials means the server refused our credentials: nothing can run until they are replaced.
	ProblemCredentials ProblemKind = "credentials"
	// ProblemConnection means the server could not be reached or misbehaved.
	ProblemConnection ProblemKind = "connection"
)

// Problems maps a problem kind to the last error message that raised it.
type Problems map[ProblemKind]string

func (p Problems) Has(kind ProblemKind) bool {
	_, ok := p[kind]
	return ok
}

func (p Problems) Clone() Problems {
	if p == nil {
		return nil
	}
	clone := make(Problems, len(p))
	for kind, message := range p {
		clone[kind] = message
	}
	return clone
}

type Credentials struct {
	Username string
	Password string
}

type ConnInfo struct {
	ServerURL           string
	Root                string
	NoTLS               bool
	SkipTLSVerification bool
	// RateLimit of message downloads in bytes per second, 0 for unlimited
	RateLimit float64
}

type Account struct {
	ID          string
	Name        string
	Type        AccountType
	Tag         string
	Credentials Credentials
	ConnInfo    ConnInfo
	Enabled     bool
	Problems    Problems
	FolderCount int64
}

func (a *Account) Clone() *Account {
	clone := *a
	clone.Problems = a.Problems.Clone()
	return &clone
}
