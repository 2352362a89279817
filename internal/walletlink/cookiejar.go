package walletlink

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

// FileCookieJar is an in-memory cookie jar that mirrors the cookies of every
// origin it has seen to a JSON file, so a CLI keeps its backend session
// between runs.
type FileCookieJar struct {
	mu      sync.Mutex
	jar     *cookiejar.Jar
	path    string
	origins map[string]*url.URL
	log     *zap.Logger
}

type storedCookie struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

func NewFileCookieJar(path string, log *zap.Logger) (*FileCookieJar, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	j := &FileCookieJar{jar: jar, path: path, origins: make(map[string]*url.URL), log: log}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return j, nil
	}
	if err != nil {
		return nil, err
	}

	var stored map[string][]storedCookie
	if err := json.Unmarshal(data, &stored); err != nil {
		// битый файл = нет cookies
		return j, nil
	}
	for origin, cookies := range stored {
		u, err := url.Parse(origin)
		if err != nil {
			continue
		}
		hc := make([]*http.Cookie, 0, len(cookies))
		for _, c := range cookies {
			hc = append(hc, &http.Cookie{Name: c.Name, Value: c.Value, Path: "/"})
		}
		j.jar.SetCookies(u, hc)
		j.origins[origin] = u
	}
	return j, nil
}

func (j *FileCookieJar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.jar.SetCookies(u, cookies)
	origin := &url.URL{Scheme: u.Scheme, Host: u.Host, Path: "/"}
	j.origins[origin.String()] = origin
	if err := j.persist(); err != nil {
		// cookie живёт только до конца процесса
		j.log.Warn("session cookie not saved", zap.String("path", j.path), zap.Error(err))
	}
}

func (j *FileCookieJar) Cookies(u *url.URL) []*http.Cookie {
	return j.jar.Cookies(u)
}

func (j *FileCookieJar) persist() error {
	out := make(map[string][]storedCookie, len(j.origins))
	for key, u := range j.origins {
		for _, c := range j.jar.Cookies(u) {
			out[key] = append(out[key], storedCookie{Name: c.Name, Value: c.Value})
		}
	}
	data, err := json.Marshal(out)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(j.path), 0o700); err != nil {
		return err
	}
	tmp := j.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, j.path)
}
