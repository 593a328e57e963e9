package juggler

import (
	"bufio"
	"crypto/md5"
	"crypto/subtle"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
)

const apr1Magic = "$apr1$"

// htpasswdFile holds the parsed entries of an htpasswd file and an
// in-memory cache of already-verified user/password pairs, so a
// recurring client isn't rehashed on every request.
type htpasswdFile struct {
	hashes map[string]string // user -> "$apr1$salt$hash"

	mu       sync.Mutex
	verified map[string]string // user -> last-accepted plaintext password
}

// loadHtpasswd reads path once and validates every entry is an
// Apache MD5 ($apr1$) hash, per spec §6: "Non-$apr1$ entries cause
// startup failure." Read once at startup, matching the original's
// BasicAuthMiddleware constructor.
func loadHtpasswd(path string) (*htpasswdFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &ConfigError{Reason: fmt.Sprintf("open htpasswd file: %v", err)}
	}
	defer f.Close()

	hashes := make(map[string]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		user, hash, ok := strings.Cut(line, ":")
		if !ok {
			return nil, &ConfigError{Reason: fmt.Sprintf("malformed htpasswd line: %q", line)}
		}
		if !strings.HasPrefix(hash, apr1Magic) {
			return nil, &ConfigError{Reason: fmt.Sprintf("unsupported password encoding for user %q", user)}
		}
		hashes[user] = hash
	}
	if err := scanner.Err(); err != nil {
		return nil, &ConfigError{Reason: fmt.Sprintf("read htpasswd file: %v", err)}
	}

	return &htpasswdFile{hashes: hashes, verified: make(map[string]string)}, nil
}

// verify checks user/password against the loaded hashes, consulting (and
// populating) the verified-password cache first.
func (h *htpasswdFile) verify(user, password string) bool {
	h.mu.Lock()
	cached, known := h.verified[user]
	h.mu.Unlock()
	if known {
		return subtle.ConstantTimeCompare([]byte(cached), []byte(password)) == 1
	}

	hash, ok := h.hashes[user]
	if !ok {
		return false
	}
	if !apr1Verify(password, hash) {
		return false
	}

	h.mu.Lock()
	h.verified[user] = password
	h.mu.Unlock()
	return true
}

// BasicAuthMiddleware builds an http.Handler wrapper that requires
// Authorization: Basic credentials valid against htpasswdPath. A
// malformed file (or a non-$apr1$ entry) is a *ConfigError, returned
// immediately rather than surfacing per-request.
func BasicAuthMiddleware(htpasswdPath string) (func(http.Handler) http.Handler, error) {
	h, err := loadHtpasswd(htpasswdPath)
	if err != nil {
		return nil, err
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, password, ok := r.BasicAuth()
			if !ok || !h.verify(user, password) {
				w.Header().Set("WWW-Authenticate", `Basic realm=""`)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}, nil
}

// apr1Verify recomputes the Apache MD5-crypt ($apr1$) hash of password
// using the salt embedded in hash and compares the results in constant
// time. hash must already be known to start with "$apr1$".
func apr1Verify(password, hash string) bool {
	rest := strings.TrimPrefix(hash, apr1Magic)
	salt, _, _ := strings.Cut(rest, "$")
	if len(salt) > 8 {
		salt = salt[:8]
	}

	computed := apr1Crypt(password, salt)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(hash)) == 1
}

// apr1Crypt implements Apache's MD5-crypt variant (the $apr1$ format),
// identical to the BSD $1$ algorithm except for the magic string. There
// is no grounded third-party Go implementation of it anywhere in the
// retrieved corpus; this is the "native MD5-crypt" alternative spec.md
// §6 explicitly allows in place of shelling out to a password-hashing
// utility.
func apr1Crypt(password, salt string) string {
	pw := []byte(password)
	s := []byte(salt)

	mix := md5.New()
	mix.Write(pw)
	mix.Write(s)
	mix.Write(pw)
	mixSum := mix.Sum(nil)

	main := md5.New()
	main.Write(pw)
	main.Write([]byte(apr1Magic))
	main.Write(s)

	for pl := len(pw); pl > 0; pl -= 16 {
		n := 16
		if pl < n {
			n = pl
		}
		main.Write(mixSum[:n])
	}

	for i := len(pw); i != 0; i >>= 1 {
		if i&1 != 0 {
			main.Write([]byte{0})
		} else {
			main.Write(pw[:1])
		}
	}
	result := main.Sum(nil)

	for i := 0; i < 1000; i++ {
		ctx := md5.New()
		if i&1 != 0 {
			ctx.Write(pw)
		} else {
			ctx.Write(result)
		}
		if i%3 != 0 {
			ctx.Write(s)
		}
		if i%7 != 0 {
			ctx.Write(pw)
		}
		if i&1 != 0 {
			ctx.Write(result)
		} else {
			ctx.Write(pw)
		}
		result = ctx.Sum(nil)
	}

	var sb strings.Builder
	sb.WriteString(apr1Magic)
	sb.Write(s)
	sb.WriteByte('$')
	to64(&sb, uint32(result[0])<<16|uint32(result[6])<<8|uint32(result[12]), 4)
	to64(&sb, uint32(result[1])<<16|uint32(result[7])<<8|uint32(result[13]), 4)
	to64(&sb, uint32(result[2])<<16|uint32(result[8])<<8|uint32(result[14]), 4)
	to64(&sb, uint32(result[3])<<16|uint32(result[9])<<8|uint32(result[15]), 4)
	to64(&sb, uint32(result[4])<<16|uint32(result[10])<<8|uint32(result[5]), 4)
	to64(&sb, uint32(result[11]), 2)

	return sb.String()
}

const itoa64 = "./0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

func to64(sb *strings.Builder, v uint32, n int) {
	for ; n > 0; n-- {
		sb.WriteByte(itoa64[v&0x3f])
		v >>= 6
	}
}
