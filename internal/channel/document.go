package channel

import (
	"context"

	"github.com/agentworkforce/patchsync/internal/document"
	"github.com/agentworkforce/patchsync/internal/patchlog"
	"github.com/agentworkforce/patchsync/internal/source"
	"github.com/agentworkforce/patchsync/internal/syncdoc"
)

// OpenDocument opens the patches and metadata channels of path and binds
// them into a synchronized document. Fields of opts that name tables or
// the path are filled in here.
func (c *Client) OpenDocument(ctx context.Context, path string, docType document.DocType, opts syncdoc.Options) (*syncdoc.Doc, error) {
	docType = docType.Normalize()
	project := opts.ProjectID
	if project == "" {
		project = c.opts.ProjectID
	}
	patches, err := c.OpenTable(ctx, Query{Table: source.TablePatches, ProjectID: project, Path: path}, TableOptions{
		PrimaryKeys: patchlog.PrimaryKeys,
		WriteOnce:   true,
		NoWait:      opts.NoWait,
	})
	if err != nil {
		return nil, err
	}
	meta, err := c.OpenTable(ctx, Query{Table: source.TableSyncStrings, ProjectID: project, Path: path}, TableOptions{
		PrimaryKeys: source.SyncStringKeys,
		DocType:     &docType,
		NoWait:      opts.NoWait,
	})
	if err != nil {
		patches.Close()
		return nil, err
	}

	if opts.ClockSkew == 0 && !opts.NoWait {
		if skew, err := c.ClockSkew(ctx); err == nil {
			opts.ClockSkew = skew
		} else {
			c.log.Debug().Err(err).Msg("measure clock skew")
		}
	}
	if opts.UserID == 0 {
		opts.UserID = c.opts.UserID
	}
	opts.Path = path
	opts.ProjectID = project
	opts.DocType = docType
	opts.Patches = patches
	opts.Meta = meta
	doc, err := syncdoc.Open(ctx, opts)
	if err != nil {
		patches.Close()
		meta.Close()
		return nil, err
	}
	return doc, nil
}
