package models

import "time"

// SharePointConfig holds document-store publication settings.
type SharePointConfig struct {
	SiteURL  string // e.g. https://contoso.sharepoint.com/sites/reports
	Username string
	Password string
	Folder   string // server-relative, e.g. /sites/reports/Shared Documents/Folder
	RenameTo string // optional new name after upload
	STSURL   string // security token service for user-credential auth
}

// PublishResult holds the result of an upload or rename.
type PublishResult struct {
	AuthFailed bool
	Done       bool
	RemotePath string // server-relative path of the file after the call
	Duration   time.Duration
	Error      error
}
