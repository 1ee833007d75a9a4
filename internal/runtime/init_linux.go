package runtime

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	goruntime "runtime"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"golang.org/x/sys/unix"
)

// RunInit is the entry point of the init shim, invoked as the hidden
// "init" subcommand of the re-executed daemon binary. It runs inside the
// freshly cloned namespaces, finishes setup from the payload on fd 3,
// parks at the barrier and finally execs the container command. It never
// returns on success.
func RunInit() error {
	pipe := os.NewFile(3, "bootstrap")
	if pipe == nil {
		return fmt.Errorf("bootstrap pipe missing")
	}

	dec := json.NewDecoder(pipe)
	var payload initPayload
	if err := dec.Decode(&payload); err != nil {
		return fmt.Errorf("failed to decode bootstrap payload: %w", err)
	}

	// setns affects the calling thread only; pin it for the rest of setup.
	goruntime.LockOSThread()

	if err := joinNamespaces(payload.JoinPaths); err != nil {
		return err
	}
	if payload.Hostname != "" {
		if err := unix.Sethostname([]byte(payload.Hostname)); err != nil {
			return fmt.Errorf("failed to set hostname: %w", err)
		}
	}
	if err := setupRootFS(payload.RootFS); err != nil {
		return err
	}

	env, err := buildEnv(payload)
	if err != nil {
		return err
	}
	if err := applyUser(payload.User); err != nil {
		return err
	}

	workdir := payload.WorkingDir
	if workdir == "" {
		workdir = "/"
	}
	if err := os.Chdir(workdir); err != nil {
		return fmt.Errorf("failed to enter working directory %s: %w", workdir, err)
	}

	// Barrier: the engine finishes cgroup placement and network attachment
	// before writing the confirm byte. EOF without it means rollback.
	if err := awaitConfirm(dec.Buffered(), pipe); err != nil {
		return err
	}
	pipe.Close()

	argv0, err := lookPath(payload.Args[0], env)
	if err != nil {
		return err
	}
	return unix.Exec(argv0, payload.Args, env)
}

func joinNamespaces(paths map[string]string) error {
	for _, nsPath := range paths {
		fd, err := unix.Open(nsPath, unix.O_RDONLY|unix.O_CLOEXEC, 0)
		if err != nil {
			return fmt.Errorf("failed to open namespace %s: %w", nsPath, err)
		}
		err = unix.Setns(fd, 0)
		unix.Close(fd)
		if err != nil {
			return fmt.Errorf("failed to join namespace %s: %w", nsPath, err)
		}
	}
	return nil
}

// setupRootFS pivots into the assembled filesystem and mounts the
// standard pseudo filesystems.
func setupRootFS(rootfs string) error {
	if rootfs == "" {
		return nil // host mount mode keeps the engine's view
	}
	// Mount propagation must be private or pivot_root refuses.
	if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
		return fmt.Errorf("failed to make mounts private: %w", err)
	}
	// pivot_root requires new_root to be a mount point.
	if err := unix.Mount(rootfs, rootfs, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("failed to bind rootfs: %w", err)
	}
	oldRoot := filepath.Join(rootfs, ".old-root")
	if err := os.MkdirAll(oldRoot, 0o700); err != nil {
		return fmt.Errorf("failed to prepare pivot point: %w", err)
	}
	if err := unix.PivotRoot(rootfs, oldRoot); err != nil {
		return fmt.Errorf("failed to pivot root: %w", err)
	}
	if err := os.Chdir("/"); err != nil {
		return err
	}
	if err := unix.Unmount("/.old-root", unix.MNT_DETACH); err != nil {
		return fmt.Errorf("failed to detach old root: %w", err)
	}
	_ = os.Remove("/.old-root")

	if err := os.MkdirAll("/proc", 0o755); err == nil {
		if err := unix.Mount("proc", "/proc", "proc", 0, ""); err != nil {
			return fmt.Errorf("failed to mount proc: %w", err)
		}
	}
	return nil
}

// buildEnv layers the environment: an env file from inside the rootfs
// first, explicit variables on top.
func buildEnv(payload initPayload) ([]string, error) {
	merged := map[string]string{}
	if payload.EnvFile != "" {
		fromFile, err := godotenv.Read(payload.EnvFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load env file %s: %w", payload.EnvFile, err)
		}
		for k, v := range fromFile {
			merged[k] = v
		}
	}
	for _, kv := range payload.Env {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		merged[k] = v
	}
	if _, ok := merged["PATH"]; !ok {
		merged["PATH"] = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"
	}
	env := make([]string, 0, len(merged))
	for k, v := range merged {
		env = append(env, k+"="+v)
	}
	return env, nil
}

// applyUser drops to a numeric "uid" or "uid:gid" identity.
func applyUser(user string) error {
	if user == "" {
		return nil
	}
	uidStr, gidStr, hasGid := strings.Cut(user, ":")
	uid, err := strconv.Atoi(uidStr)
	if err != nil {
		return fmt.Errorf("unsupported user %q: numeric uid required", user)
	}
	gid := uid
	if hasGid {
		if gid, err = strconv.Atoi(gidStr); err != nil {
			return fmt.Errorf("unsupported group in %q: numeric gid required", user)
		}
	}
	if err := unix.Setgid(gid); err != nil {
		return fmt.Errorf("failed to set gid %d: %w", gid, err)
	}
	if err := unix.Setuid(uid); err != nil {
		return fmt.Errorf("failed to set uid %d: %w", uid, err)
	}
	return nil
}

// awaitConfirm blocks until the confirm byte arrives. Any JSON decoder
// lookahead is drained first.
func awaitConfirm(buffered io.Reader, pipe *os.File) error {
	buf := make([]byte, 1)
	if n, _ := buffered.Read(buf); n == 1 {
		if buf[0] == confirmByte {
			return nil
		}
		return fmt.Errorf("unexpected bootstrap byte %q", buf[0])
	}
	n, err := pipe.Read(buf)
	if n == 1 && buf[0] == confirmByte {
		return nil
	}
	if err == io.EOF {
		return fmt.Errorf("start aborted before confirmation")
	}
	if err != nil {
		return fmt.Errorf("failed to read start confirmation: %w", err)
	}
	return fmt.Errorf("unexpected bootstrap byte %q", buf[0])
}

// lookPath resolves argv0 against the container PATH after the pivot.
func lookPath(name string, env []string) (string, error) {
	if strings.Contains(name, "/") {
		return name, nil
	}
	var pathVar string
	for _, kv := range env {
		if v, ok := strings.CutPrefix(kv, "PATH="); ok {
			pathVar = v
		}
	}
	for _, dir := range filepath.SplitList(pathVar) {
		candidate := filepath.Join(dir, name)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() && info.Mode()&0o111 != 0 {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("executable %q not found in container PATH", name)
}
