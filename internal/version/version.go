package version

import (
	"fmt"
	"log"
)

var (
	Name        = "sluice"
	Description = "Streaming gateway for LLM completions"
	Version     = "v0.1.0"
	Commit      = "none"
	Date        = "nowish"
	User        = "local"
)

const (
	GithubHomeUri = "https://github.com/kestrel-labs/sluice"
)

func PrintVersionInfo(extendedInfo bool, vlog *log.Logger) {
	vlog.Printf("%s %s - %s", Name, Version, Description)
	if extendedInfo {
		vlog.Printf("  commit: %s", Commit)
		vlog.Printf("  built:  %s by %s", Date, User)
		vlog.Printf("  home:   %s", GithubHomeUri)
	}
}

func Info() map[string]string {
	return map[string]string{
		"name":    Name,
		"version": Version,
		"commit":  Commit,
		"date":    Date,
	}
}

func UserAgent() string {
	return fmt.Sprintf("%s/%s", Name, Version)
}
