package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// ConnectFile is the decoded form of a .pitconnect.txt file.
type ConnectFile struct {
	URL string
	CA  []byte
}

// UserFile is the decoded form of a .pituser.txt file.
type UserFile struct {
	Username string
	Token    string
}

// ErrMissingURL is returned for a connect file whose first line is empty.
var ErrMissingURL = errors.New("connect file has no URL")

func LoadConnectFile(path string) (*ConnectFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseConnectFile(string(data))
}

// ParseConnectFile splits the URL line from the CA material that follows it.
func ParseConnectFile(content string) (*ConnectFile, error) {
	url, rest, _ := strings.Cut(content, "\n")
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, ErrMissingURL
	}
	cf := &ConnectFile{URL: url}
	if strings.TrimSpace(rest) != "" {
		cf.CA = []byte(rest)
	}
	return cf, nil
}

// Format renders the file back to its on-disk form.
func (c *ConnectFile) Format() string {
	if len(c.CA) == 0 {
		return c.URL
	}
	return c.URL + "\n" + strings.TrimRight(string(c.CA), "\n") + "\n"
}

func (c *ConnectFile) Save(path string) error {
	return os.WriteFile(path, []byte(c.Format()), 0o644)
}

func LoadUserFile(path string) (*UserFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	lines := strings.SplitN(string(data), "\n", 3)
	uf := &UserFile{Username: strings.TrimSpace(lines[0])}
	if len(lines) > 1 {
		uf.Token = strings.TrimSpace(lines[1])
	}
	if uf.Username == "" {
		return nil, fmt.Errorf("user file %s has no username", path)
	}
	return uf, nil
}

// Save stores the credentials readable by the owner only.
func (u *UserFile) Save(path string) error {
	return os.WriteFile(path, []byte(u.Username+"\n"+u.Token), 0o600)
}
