package httpapi

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/agentworkforce/patchsync/internal/patchlog"
	"github.com/agentworkforce/patchsync/internal/registry"
	"github.com/agentworkforce/patchsync/internal/source"
	"github.com/agentworkforce/patchsync/internal/syncdoc"
	"github.com/agentworkforce/patchsync/internal/synctable"
)

// docRef counts the sessions holding a document's metadata channel. The
// document is closed IdleClose after the count drops to zero.
type docRef struct {
	count int
	idle  *time.Timer
}

// createDoc builds the authoritative instance of a document, bound
// in-process to its patch log topic and metadata row.
func (s *Server) createDoc(ctx context.Context, opts registry.CreateOptions) (registry.Doc, error) {
	patchSrc, err := s.resolver.Resolve(source.Query{Table: source.TablePatches, ProjectID: opts.ProjectID, Path: opts.Path}, nil)
	if err != nil {
		return nil, err
	}
	metaSrc, err := s.resolver.Resolve(source.Query{Table: source.TableSyncStrings, ProjectID: opts.ProjectID, Path: opts.Path}, nil)
	if err != nil {
		return nil, err
	}
	log := s.cfg.Logger.With().Str("doc", opts.Key()).Logger()
	patches, err := synctable.New(synctable.Options{
		Name:         source.TablePatches,
		PrimaryKeys:  patchlog.PrimaryKeys,
		WriteOnce:    true,
		RetryBackoff: s.cfg.Backoff,
		Logger:       log,
	})
	if err != nil {
		return nil, err
	}
	meta, err := synctable.New(synctable.Options{
		Name:         source.TableSyncStrings,
		PrimaryKeys:  source.SyncStringKeys,
		RetryBackoff: s.cfg.Backoff,
		Logger:       log,
	})
	if err != nil {
		patches.Close()
		return nil, err
	}
	patchBinding := source.Bind(context.Background(), patches, patchSrc, s.cfg.Backoff, log)
	metaBinding := source.Bind(context.Background(), meta, metaSrc, s.cfg.Backoff, log)

	var saver syncdoc.Saver
	if s.saver != nil {
		saver = s.saver(opts.ProjectID)
	}
	key := opts.Key()
	var doc *syncdoc.Doc
	doc, err = syncdoc.Open(ctx, syncdoc.Options{
		Path:             opts.Path,
		ProjectID:        opts.ProjectID,
		DocType:          opts.DocType,
		Patches:          patches,
		Meta:             meta,
		AutosaveInterval: s.cfg.AutosaveInterval,
		Saver:            saver,
		SaveRetries:      s.cfg.SaveRetries,
		SaveBackoff:      s.cfg.Backoff,
		Snapshots:        true,
		SnapshotPolicy:   s.cfg.SnapshotPolicy,
		OnClose: func() {
			patchBinding.Close()
			metaBinding.Close()
			s.docs.Release(key, doc)
		},
		Logger: log,
	})
	if err != nil {
		patchBinding.Close()
		metaBinding.Close()
		patches.Close()
		meta.Close()
		return nil, err
	}
	return doc, nil
}

// retainDoc counts one more holder of key and cancels a pending idle
// close.
func (s *Server) retainDoc(key string) {
	s.refMu.Lock()
	defer s.refMu.Unlock()
	ref, ok := s.refs[key]
	if !ok {
		ref = &docRef{}
		s.refs[key] = ref
	}
	ref.count++
	if ref.idle != nil {
		ref.idle.Stop()
		ref.idle = nil
	}
}

func (s *Server) releaseDoc(key string) {
	s.refMu.Lock()
	defer s.refMu.Unlock()
	ref, ok := s.refs[key]
	if !ok {
		return
	}
	ref.count--
	if ref.count > 0 {
		return
	}
	if s.cfg.IdleClose < 0 {
		delete(s.refs, key)
		return
	}
	ref.idle = time.AfterFunc(s.cfg.IdleClose, func() {
		s.refMu.Lock()
		if current, ok := s.refs[key]; !ok || current != ref || ref.count > 0 {
			s.refMu.Unlock()
			return
		}
		delete(s.refs, key)
		s.refMu.Unlock()
		if err := s.docs.Close(context.Background(), key); err != nil {
			s.log.Warn().Err(err).Str("doc", key).Msg("idle close")
		}
	})
}

func (s *Server) stopIdleTimers() {
	s.refMu.Lock()
	defer s.refMu.Unlock()
	for key, ref := range s.refs {
		if ref.idle != nil {
			ref.idle.Stop()
		}
		delete(s.refs, key)
	}
}

func joinRoot(root, projectID string) string {
	projectID = strings.Trim(filepath.Clean("/"+projectID), "/")
	if projectID == "" {
		return root
	}
	return filepath.Join(root, projectID)
}
