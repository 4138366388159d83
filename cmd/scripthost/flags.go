package main

import "time"

// Flag structs decouple cobra from the command logic for testing.

type GlobalFlags struct {
	ConfigPath string
}

// TenantFlags address one tenant on a daemon.
type TenantFlags struct {
	TenantID   string
	APIUrl     string
	APITimeout time.Duration
}

type UploadFlags struct {
	TenantFlags
	// Path is a zip archive or a directory that is zipped before upload.
	Path string
}

type FilesFlags struct {
	TenantFlags
	Delete   bool
	Download string
}

// LibsFlags select one library action; with none set the installed packages
// are listed.
type LibsFlags struct {
	TenantFlags
	Install      string
	Requirements bool
	Uninstall    string
}

type ServeFlags struct {
	ConfigPath string
	Daemonize  bool
	PidFile    string
	LogFile    string
}
