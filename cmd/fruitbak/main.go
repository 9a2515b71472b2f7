// Command fruitbak is the thin CLI dispatcher described in spec.md §6: a
// coherent cobra-based front end wiring the config, backup, gc and share
// packages together. It is deliberately not a full implementation of every
// operator workflow (the tar writer and FUSE mount helper remain external
// collaborators per spec.md §1's Non-goals); it exists so the module
// produces a runnable binary.
package main

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/spf13/cobra"

	"github.com/wsldankers/fruitbak-sub000/backup"
	"github.com/wsldankers/fruitbak-sub000/config"
	"github.com/wsldankers/fruitbak-sub000/crypto"
	"github.com/wsldankers/fruitbak-sub000/gc"
	"github.com/wsldankers/fruitbak-sub000/persist"
	"github.com/wsldankers/fruitbak-sub000/pool"
	"github.com/wsldankers/fruitbak-sub000/share"
	"github.com/wsldankers/fruitbak-sub000/storage"
	"github.com/wsldankers/fruitbak-sub000/transfer/local"
	"github.com/wsldankers/fruitbak-sub000/transfer/rsync"
)

// Exit codes, per spec.md §6.
const (
	exitOK     = 0
	exitFailed = 1
	exitUsage  = 2
)

var (
	configPath string
	fullFlag   bool
	lsDu       bool
	numProcs   int

	log *persist.Logger
)

func die(code int, args ...interface{}) {
	fmt.Fprintln(os.Stderr, args...)
	os.Exit(code)
}

func loadConfig() *config.Config {
	c, err := config.Load(configPath)
	if err != nil {
		die(exitUsage, "fruitbak: loading config:", err)
	}
	return c
}

func digestOf(data []byte) []byte {
	h := crypto.HashBytes(data)
	return h[:]
}

// openPool builds the pool's storage chain from c.Filters, in the fixed
// order spec.md §4.3 specifies: verify -> encrypt -> compress -> filesystem.
func openPool(c *config.Config) *pool.Pool {
	var store storage.Store = storage.NewFilesystemStore(filepath.Join(c.RootDir, "pool"), c.FsyncEnabled())

	hasFilter := func(name config.FilterName) bool {
		for _, f := range c.Filters {
			if f == name {
				return true
			}
		}
		return false
	}

	if hasFilter(config.FilterCompress) {
		store = storage.NewCompressFilter(store, gzip.DefaultCompression)
	}
	if hasFilter(config.FilterEncrypt) {
		key, err := c.DecodeEncryptionKey()
		if err != nil {
			die(exitUsage, "fruitbak:", err)
		}
		store = storage.NewEncryptFilter(store, key)
	}
	if hasFilter(config.FilterVerify) {
		store = storage.NewVerifyFilter(store, digestOf)
	}

	return pool.New(store, digestOf, c.HashWidth, c.ChunkSize)
}

// rsyncChildFactory spawns the system rsync binary in --server --sender
// mode, the conventional way to drive rsync's own delta engine as a
// subprocess speaking the protocol Parent implements (spec.md §4.9).
func rsyncChildFactory(mountpoint string, excludes []string) *exec.Cmd {
	args := []string{"--server", "--sender", "-logDtpAXe.iLsfxC"}
	for _, ex := range excludes {
		args = append(args, "--exclude="+ex)
	}
	args = append(args, ".", mountpoint)
	return exec.Command("rsync", args...)
}

func providerFor(shareCfg config.ShareConfig, p *pool.Pool, referenceHashes pool.Membership) (backup.Provider, error) {
	switch shareCfg.Transfer {
	case "", "local":
		return local.New(shareCfg.Path, shareCfg.Excludes, p), nil
	case "rsync":
		prov := rsync.NewProvider(shareCfg.Path, shareCfg.Excludes, p, rsyncChildFactory)
		prov.ReferenceHashes = referenceHashes
		return prov, nil
	default:
		return nil, fmt.Errorf("fruitbak: unknown transfer %q for share %q", shareCfg.Transfer, shareCfg.Name)
	}
}

func findHost(c *config.Config, name string) (*config.HostConfig, error) {
	for i := range c.Hosts {
		if c.Hosts[i].Name == name {
			return &c.Hosts[i], nil
		}
	}
	return nil, fmt.Errorf("fruitbak: unknown host %q", name)
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "create the directory layout for a fresh repository",
	Run: func(cmd *cobra.Command, args []string) {
		c := loadConfig()
		for _, dir := range []string{"host", "pool"} {
			if err := os.MkdirAll(filepath.Join(c.RootDir, dir), 0755); err != nil {
				die(exitFailed, "fruitbak: init:", err)
			}
		}
		log.Info("initialized repository", "rootdir", c.RootDir)
	},
}

var backupCmd = &cobra.Command{
	Use:     "backup [hosts...]",
	Aliases: []string{"bu"},
	Short:   "run a backup of one or more hosts (default: all configured hosts)",
	Run: func(cmd *cobra.Command, args []string) {
		c := loadConfig()
		p := openPool(c)

		hostConfigs := c.Hosts
		if len(args) > 0 {
			hostConfigs = nil
			for _, name := range args {
				hc, err := findHost(c, name)
				if err != nil {
					die(exitUsage, "fruitbak:", err)
				}
				hostConfigs = append(hostConfigs, *hc)
			}
		}

		var fullInterval time.Duration
		if c.Full != "" {
			if d, err := time.ParseDuration(c.Full); err == nil {
				fullInterval = d
			}
		}

		anyFailed := false
		for _, hc := range hostConfigs {
			var specs []backup.ShareSpec
			for _, sc := range hc.Shares {
				prov, err := providerFor(sc, p, nil)
				if err != nil {
					log.Error("skipping share", "host", hc.Name, "share", sc.Name, "error", err)
					anyFailed = true
					continue
				}
				specs = append(specs, backup.ShareSpec{Name: sc.Name, Provider: prov})
			}
			failed, err := backup.Run(c.RootDir, hc.Name, specs, p, nil, fullFlag, fullInterval)
			if err != nil {
				log.Error("backup failed to run", "host", hc.Name, "error", err)
				anyFailed = true
				continue
			}
			if failed {
				log.Warn("backup completed with failures", "host", hc.Name)
				anyFailed = true
			} else {
				log.Info("backup completed", "host", hc.Name)
			}
		}

		if anyFailed {
			os.Exit(exitFailed)
		}
	},
}

var lsCmd = &cobra.Command{
	Use:   "ls [host [backup [share [path]]]]",
	Short: "list hosts, backups, shares or share entries",
	Args:  cobra.MaximumNArgs(4),
	Run: func(cmd *cobra.Command, args []string) {
		c := loadConfig()
		switch len(args) {
		case 0:
			listDir(filepath.Join(c.RootDir, "host"))
		case 1:
			nums, err := backup.ListBackupNumbers(backup.HostDir(c.RootDir, args[0]))
			if err != nil {
				die(exitFailed, "fruitbak: ls:", err)
			}
			for _, n := range nums {
				fmt.Println(n)
			}
		case 2:
			dir := filepath.Join(backup.HostDir(c.RootDir, args[0]), args[1], "share")
			listDir(dir)
		default:
			share_, path := args[2], ""
			if len(args) == 4 {
				path = args[3]
			}
			shareDir := filepath.Join(backup.HostDir(c.RootDir, args[0]), args[1], "share", share.MangleName(share_))
			r, err := share.OpenReader(shareDir)
			if err != nil {
				die(exitFailed, "fruitbak: ls:", err)
			}
			defer r.Close()
			cursor, err := r.Ls(path)
			if err != nil {
				die(exitFailed, "fruitbak: ls:", err)
			}
			var total uint64
			for {
				d, _, ok := cursor.Next()
				if !ok {
					break
				}
				total += d.Size
				fmt.Println(d.Name)
			}
			if lsDu {
				fmt.Printf("total %d bytes\n", total)
			}
		}
	},
}

func listDir(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return
		}
		die(exitFailed, "fruitbak: ls:", err)
	}
	for _, e := range entries {
		fmt.Println(e.Name())
	}
}

var catCmd = &cobra.Command{
	Use:   "cat <host> <backup> <share> <path>",
	Short: "print a backed-up file's content to stdout",
	Args:  cobra.ExactArgs(4),
	Run: func(cmd *cobra.Command, args []string) {
		c := loadConfig()
		p := openPool(c)
		host, backupNum, shareName, path := args[0], args[1], args[2], args[3]

		shareDir := filepath.Join(backup.HostDir(c.RootDir, host), backupNum, "share", share.MangleName(shareName))
		r, err := share.OpenReader(shareDir)
		if err != nil {
			die(exitFailed, "fruitbak: cat:", err)
		}
		defer r.Close()

		entry, err := r.GetEntry(path)
		if err != nil || entry == nil {
			die(exitFailed, "fruitbak: cat: no such entry", path)
		}
		if entry.Entry.Type() != share.TypeReg {
			die(exitFailed, "fruitbak: cat: not a regular file:", path)
		}

		pr := p.NewReader(entry.Entry.Extra)
		data, err := pr.Pread(0, int(entry.Entry.Size))
		if err != nil {
			die(exitFailed, "fruitbak: cat:", err)
		}
		if _, err := io.Copy(os.Stdout, newByteReader(data)); err != nil {
			die(exitFailed, "fruitbak: cat:", err)
		}
	},
}

var tarCmd = &cobra.Command{
	Use:   "tar <host> <backup> <share> <path>",
	Short: "not implemented: the tar archive writer is an external collaborator",
	Args:  cobra.ExactArgs(4),
	Run: func(cmd *cobra.Command, args []string) {
		die(exitUsage, "fruitbak: tar: the tar archive writer is out of scope for this module; pipe 'fruitbak cat' output through an external tar tool instead")
	},
}

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "remove expired backups and the pool chunks they alone referenced",
	Run: func(cmd *cobra.Command, args []string) {
		c := loadConfig()
		p := openPool(c)

		policy, err := c.Expiry.Compile()
		if err != nil {
			die(exitUsage, "fruitbak: gc:", err)
		}

		lockPath := filepath.Join(c.RootDir, "lock")
		fl, err := backup.LockExclusive(lockPath)
		if err != nil {
			die(exitFailed, "fruitbak: gc: acquiring lock:", err)
		}
		defer fl.Unlock()

		result, err := gc.Run(c.RootDir, p, policy, time.Now())
		if err != nil {
			log.Error("gc failed", "error", err)
			os.Exit(exitFailed)
		}
		log.Info("gc completed",
			"removed_backups", result.RemovedBackups,
			"deleted_chunks", result.DeletedChunks,
			"available_chunks", result.AvailableChunks,
			"missing_chunks", result.MissingChunks,
		)
		if result.MissingChunks > 0 {
			log.Warn("gc found chunks referenced by live backups but absent from the pool", "count", result.MissingChunks)
		}
	},
}

var scrubCmd = &cobra.Command{
	Use:   "scrub [numprocs]",
	Short: "re-read every stored chunk and verify its digest (supplemental, spec.md §4's scrub addition)",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		c := loadConfig()
		p := openPool(c)

		workers := numProcs
		if len(args) == 1 {
			n, err := strconv.Atoi(args[0])
			if err != nil || n <= 0 {
				die(exitUsage, "fruitbak: scrub: invalid numprocs:", args[0])
			}
			workers = n
		}
		if workers <= 0 {
			workers = 1
		}

		corrupt, checked, err := scrubPool(p, workers)
		if err != nil {
			log.Error("scrub failed", "error", err)
			os.Exit(exitFailed)
		}
		log.Info("scrub completed", "checked", checked, "corrupt", corrupt)
		if corrupt > 0 {
			os.Exit(exitFailed)
		}
	},
}

// scrubPool walks every chunk in the pool across workers goroutines,
// re-retrieving and re-hashing each one (exercising the same Verify filter
// path a normal read would) without mutating anything.
func scrubPool(p *pool.Pool, workers int) (corrupt, checked int, err error) {
	type result struct {
		ok bool
	}
	digests := make(chan []byte, 256)
	results := make(chan result, 256)
	done := make(chan struct{})

	for i := 0; i < workers; i++ {
		go func() {
			for digest := range digests {
				data, ok, rerr := p.Retrieve(digest)
				if rerr != nil || !ok {
					results <- result{ok: false}
					continue
				}
				results <- result{ok: string(p.DigestOf(data)) == string(digest)}
			}
		}()
	}

	go func() {
		iterErr := p.Iterate(func(batch storage.Batch) error {
			for _, digest := range batch {
				digests <- append([]byte(nil), digest...)
				checked++
			}
			return nil
		})
		close(digests)
		err = iterErr
		close(done)
	}()

	// Drain results as they arrive; checked is only stable once done fires,
	// so count corrupt results off of a fixed number of receives instead.
	received := 0
	for {
		select {
		case r := <-results:
			received++
			if !r.ok {
				corrupt++
			}
		case <-done:
			for received < checked {
				r := <-results
				received++
				if !r.ok {
					corrupt++
				}
			}
			return corrupt, checked, err
		}
	}
}

func newByteReader(b []byte) io.Reader {
	return &sliceReader{data: b}
}

type sliceReader struct {
	data []byte
	pos  int
}

func (r *sliceReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	n := copy(p, r.data[r.pos:])
	r.pos += n
	return n, nil
}

func main() {
	log = persist.NewLogger("fruitbak", os.Stderr)

	root := &cobra.Command{
		Use:           "fruitbak",
		Short:         "Fruitbak: a disk-based, deduplicating, multi-host backup storage engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "/etc/fruitbak/config.json", "path to the configuration file")
	backupCmd.Flags().BoolVar(&fullFlag, "full", false, "force a full backup")
	lsCmd.Flags().BoolVar(&lsDu, "du", false, "print a total size alongside a directory listing")
	scrubCmd.Flags().IntVar(&numProcs, "numprocs", 1, "number of concurrent verification workers")

	root.AddCommand(initCmd, backupCmd, lsCmd, catCmd, tarCmd, gcCmd, scrubCmd)

	if err := root.Execute(); err != nil {
		die(exitUsage, "fruitbak:", err)
	}
}
