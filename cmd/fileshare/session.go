package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/fileshare/fileshare/internal/config"
	"github.com/fileshare/fileshare/internal/downloader"
	"github.com/fileshare/fileshare/internal/hashutil"
	"github.com/fileshare/fileshare/internal/indexclient"
	"github.com/fileshare/fileshare/internal/localcatalog"
	"github.com/fileshare/fileshare/internal/wire"
)

// peerSession holds everything one interactive peer prompt needs:
// the bound index connection, the local share catalog, the in-process
// download manager, and this peer's own serving port (advertised via
// SharePort on the first successful share).
type peerSession struct {
	logger  *zap.Logger
	idx     *indexclient.Client
	catalog *localcatalog.Catalog
	myPort  uint16
	dls     *downloadManager
	dl      config.DownloadConfig

	shared bool // whether SharePort has been sent yet this session
}

// repl runs the interactive command loop, reading one command per line
// from in and writing replies to out, until the "exit" command or EOF.
func (p *peerSession) repl(in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	fmt.Fprint(out, "> ")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			if line == "exit" {
				return nil
			}
			p.dispatch(out, line)
		}
		fmt.Fprint(out, "> ")
	}
	return scanner.Err()
}

// dispatch runs a single command line, catching any error from the
// command and printing it rather than aborting the loop.
func (p *peerSession) dispatch(out io.Writer, line string) {
	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]

	var err error
	switch cmd {
	case "search":
		err = p.cmdSearch(out, args)
	case "download":
		err = p.cmdDownload(out, args)
	case "share":
		err = p.cmdShare(out, args)
	case "list-downloads":
		err = p.cmdListDownloads(out, args)
	case "remove-download":
		err = p.cmdRemoveDownload(out, args)
	case "list-shares":
		err = p.cmdListShares(out, args)
	case "remove-share":
		err = p.cmdRemoveShare(out, args)
	default:
		err = fmt.Errorf("unknown command %q", cmd)
	}
	if err != nil {
		fmt.Fprintf(out, "error: %v\n", err)
	}
}

func (p *peerSession) cmdSearch(out io.Writer, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: search <substring>")
	}
	files, err := p.idx.SearchFile(args[0])
	if err != nil {
		return fmt.Errorf("search failed: %w", err)
	}
	for _, f := range files {
		fmt.Fprintf(out, "Name: %s, modification time: %d, size: %d, unique_id: %s\n",
			f.Name, f.ModificationTime, f.Size, f.FileID)
	}
	return nil
}

func (p *peerSession) cmdDownload(out io.Writer, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: download <file_id> <local_path>")
	}
	fileID, path := args[0], args[1]

	info, err := p.idx.SharingInfoRequest(fileID)
	if err != nil {
		return fmt.Errorf("lookup %s: %w", fileID, err)
	}
	if len(info.Clients) == 0 {
		return fmt.Errorf("no reachable sharer for %s", fileID)
	}

	eng, err := downloader.New(downloader.Config{
		FileID: fileID,
		Size:   int64(info.Size),
		Dest:   path,
		Index:  p.idx,
		Logger: p.logger,

		MaxChunkDownloaders:  p.dl.MaxChunkDownloaders,
		MaxOriginDownloaders: uint(p.dl.MaxOriginDownloaders),
		MaxOriginFails:       uint(p.dl.MaxOriginFails),
		MinOriginsForUpdate:  p.dl.MinOriginsForUpdate,
		ChunkTimeout:         p.dl.ChunkTimeoutDuration(),
		RTTTimeout:           p.dl.RTTTimeoutDuration(),
		RTTTolerance:         p.dl.RTTToleranceDuration(),
	})
	if err != nil {
		return fmt.Errorf("start download: %w", err)
	}

	go func() {
		if err := eng.Run(); err != nil {
			p.logger.Warn("download failed", zap.String("file_id", fileID), zap.Error(err))
		}
	}()

	i := p.dls.add(fileID, path, eng)
	fmt.Fprintf(out, "started download [%d]: %s -> %s (%s)\n", i, fileID, path, formatBytes(int64(info.Size)))
	return nil
}

func (p *peerSession) cmdShare(out io.Writer, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: share <local_path>")
	}
	path := args[0]

	abs, err := absPath(path)
	if err != nil {
		return err
	}
	st, err := os.Stat(abs)
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if st.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}

	fileID, err := hashutil.FileID(abs)
	if err != nil {
		return fmt.Errorf("hash %s: %w", path, err)
	}

	record := wire.FileRecord{
		Name:             st.Name(),
		ModificationTime: uint32(st.ModTime().Unix()),
		Size:             uint32(st.Size()),
		FileID:           fileID,
	}

	if err := p.catalog.Put(fileID, abs); err != nil {
		return fmt.Errorf("record local share: %w", err)
	}
	if err := p.idx.ShareFile(record); err != nil {
		return fmt.Errorf("advertise share: %w", err)
	}

	if !p.shared {
		if err := p.idx.SharePort(p.myPort); err != nil {
			p.logger.Warn("advertise serving port failed", zap.Error(err))
		} else {
			p.shared = true
		}
	}

	fmt.Fprintf(out, "sharing %s as %s\n", path, fileID)
	return nil
}

func (p *peerSession) cmdListDownloads(out io.Writer, args []string) error {
	if len(args) != 0 {
		return fmt.Errorf("usage: list-downloads")
	}
	for _, line := range p.dls.list() {
		fmt.Fprintln(out, line)
	}
	return nil
}

func (p *peerSession) cmdRemoveDownload(out io.Writer, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: remove-download <index>")
	}
	i, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("index must be numeric: %w", err)
	}
	if err := p.dls.remove(i); err != nil {
		return err
	}
	fmt.Fprintf(out, "removed download [%d]\n", i)
	return nil
}

func (p *peerSession) cmdListShares(out io.Writer, args []string) error {
	if len(args) != 0 {
		return fmt.Errorf("usage: list-shares")
	}
	ids, err := p.catalog.List()
	if err != nil {
		return fmt.Errorf("list shares: %w", err)
	}
	for _, id := range ids {
		fmt.Fprintln(out, id)
	}
	return nil
}

func (p *peerSession) cmdRemoveShare(out io.Writer, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: remove-share <file_id>")
	}
	fileID := args[0]
	if err := p.idx.RemoveShare(fileID); err != nil {
		return fmt.Errorf("withdraw share: %w", err)
	}
	if err := p.catalog.Remove(fileID); err != nil && err != localcatalog.ErrNotFound {
		p.logger.Warn("remove local share record failed", zap.String("file_id", fileID), zap.Error(err))
	}
	fmt.Fprintf(out, "removed share %s\n", fileID)
	return nil
}

// absPath expands a leading ~ and makes the path absolute; the catalog
// stores absolute paths so the share server can resolve them from any
// working directory.
func absPath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = home + path[1:]
	}
	return filepath.Abs(path)
}
