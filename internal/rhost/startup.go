package rhost

import (
	"net/url"
	"strconv"
	"strings"
)

// StartupInfo is passed unchanged to the host launch, local or remote.
type StartupInfo struct {
	Name             string   `json:"name" mapstructure:"name"`
	Interactive      bool     `json:"interactive" mapstructure:"interactive"`
	CodePage         int      `json:"code_page" mapstructure:"code_page"`
	CRANMirror       string   `json:"cran_mirror,omitempty" mapstructure:"cran_mirror"`
	WorkingDirectory string   `json:"working_directory,omitempty" mapstructure:"working_directory"`
	Args             []string `json:"args,omitempty" mapstructure:"args"`
}

// CommandLineArgs renders the startup info as host process arguments.
func (s StartupInfo) CommandLineArgs() []string {
	args := []string{"--rhost-name", s.Name}
	if s.Interactive {
		args = append(args, "--interactive")
	}
	if s.CodePage != 0 {
		args = append(args, "--rhost-codepage", strconv.Itoa(s.CodePage))
	}
	if s.CRANMirror != "" {
		args = append(args, "--rhost-cran-mirror", s.CRANMirror)
	}
	if s.WorkingDirectory != "" {
		args = append(args, "--rhost-working-dir", s.WorkingDirectory)
	}
	return append(args, s.Args...)
}

// Query renders the startup info as URL query parameters for remote brokers.
func (s StartupInfo) Query() url.Values {
	q := url.Values{}
	q.Set("name", s.Name)
	q.Set("interactive", strconv.FormatBool(s.Interactive))
	if s.CodePage != 0 {
		q.Set("codepage", strconv.Itoa(s.CodePage))
	}
	if s.CRANMirror != "" {
		q.Set("cran", s.CRANMirror)
	}
	if s.WorkingDirectory != "" {
		q.Set("wd", s.WorkingDirectory)
	}
	if len(s.Args) > 0 {
		q.Set("args", strings.Join(s.Args, " "))
	}
	return q
}
