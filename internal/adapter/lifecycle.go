package adapter

import (
	"context"
	"maps"
	"path"
	"slices"
	"strings"

	"github.com/RegistryAccord/registryaccord-media-go/internal/media"
	"github.com/RegistryAccord/registryaccord-media-go/internal/model"
	"github.com/RegistryAccord/registryaccord-media-go/internal/options"
	"github.com/RegistryAccord/registryaccord-media-go/internal/transform"
	"github.com/RegistryAccord/registryaccord-media-go/internal/upload"
)

// HandleDelete removes the remote asset behind doc. It is best effort: the host
// deletes its document whatever happens here, so failures are only logged.
// Collections with DeleteOnRemove off keep their remote assets.
func (a *Adapter) HandleDelete(ctx context.Context, collection string, doc model.Asset, filename string) {
	cfg, ok := a.collections.Get(collection)
	if !ok || !cfg.DeleteOnRemove {
		return
	}

	publicID := doc.PublicID
	if publicID == "" {
		src := doc.URL
		if src == "" {
			src = filename
		}
		publicID = ExtractPublicID(src)
	}
	if publicID == "" {
		return
	}

	err := a.svc.Destroy(ctx, publicID, doc.ResourceType)
	a.observeRemote("destroy", err)
	if err != nil {
		a.logger.Error("failed to delete remote asset", "collection", collection, "public_id", publicID, "error", err)
		return
	}
	a.logger.Info("remote asset deleted", "collection", collection, "public_id", publicID)
}

// ExtractPublicID recovers a public id from a delivery URL or a filename. For
// URLs everything after the delivery type and version segment is kept.
func ExtractPublicID(urlOrFilename string) string {
	if strings.Contains(urlOrFilename, "cloudinary.com") {
		parts := strings.Split(urlOrFilename, "/")
		if i := slices.Index(parts, media.TypeUpload); i >= 0 && i < len(parts)-1 {
			return stripExt(strings.Join(parts[i+2:], "/"))
		}
	}
	return stripExt(urlOrFilename)
}

// stripExt drops everything from the last dot. Names without a dot become "".
func stripExt(s string) string {
	i := strings.LastIndex(s, ".")
	if i < 0 {
		return ""
	}
	return s[:i]
}

// MoveFolder runs before a document change is saved. When dynamic folders are
// on and the folder field differs between original and next, the remote asset
// is renamed into the new folder. The returned asset carries next as its
// fields and, after a successful move, the new remote location. A failed move
// is logged and the asset stays where it was.
func (a *Adapter) MoveFolder(ctx context.Context, collection string, original model.Asset, next map[string]any) model.Asset {
	out := original
	out.Fields = make(map[string]any, len(next))
	maps.Copy(out.Fields, next)

	cfg, ok := a.collections.Get(collection)
	if !ok || original.PublicID == "" {
		return out
	}
	field := cfg.DynamicFolderField()
	if field == "" {
		return out
	}
	oldFolder := original.Field(field)
	newFolder, _ := next[field].(string)
	if oldFolder == newFolder {
		return out
	}

	folder, safe := upload.SanitizeFolder(newFolder)
	if !safe {
		a.logger.Warn("refusing to move asset into unsafe folder", "collection", collection, "folder", newFolder)
		out.Fields[field] = oldFolder
		return out
	}

	newPublicID := path.Base(original.PublicID)
	if folder != "" {
		newPublicID = folder + "/" + newPublicID
	}

	res, err := a.svc.Rename(ctx, original.PublicID, newPublicID, original.ResourceType)
	a.observeRemote("rename", err)
	if err != nil {
		a.logger.Error("failed to move remote asset", "collection", collection, "from", original.PublicID, "to", newPublicID, "error", err)
		return out
	}

	out.PublicID = res.PublicID
	out.URL = res.SecureURL
	out.Version = res.Version
	out.Folder = res.Folder
	if res.Folder != "" {
		out.Fields[field] = res.Folder
	}
	if thumb, err := a.thumbnail(cfg, out); err == nil {
		out.ThumbnailURL = thumb
	}
	a.logger.Info("moved remote asset", "collection", collection, "from", original.PublicID, "to", res.PublicID)
	return out
}

func (a *Adapter) thumbnail(cfg options.CollectionConfig, asset model.Asset) (string, error) {
	opts := media.URLOptions{
		ResourceType:   asset.ResourceType,
		Version:        asset.Version,
		Transformation: transform.Thumbnail(),
	}
	if cfg.Private() {
		opts.Type = media.TypeAuthenticated
		opts.SignURL = true
	}
	return a.svc.URL(asset.PublicID, opts)
}

// GenerateURL returns the delivery URL the host shows for a file. A stored URL
// wins; private documents get a signed URL; otherwise the URL is built from
// the collection's default transformations. prefix applies only when no public
// id was stored. Unconfigured collections get filename back unchanged.
func (a *Adapter) GenerateURL(collection, filename, prefix string, stored *model.Asset) (string, error) {
	cfg, ok := a.collections.Get(collection)
	if !ok {
		return filename, nil
	}
	var doc model.Asset
	if stored != nil {
		doc = *stored
	}
	if doc.URL != "" {
		return doc.URL, nil
	}

	var defaults transform.Params
	if cfg.Transformations != nil {
		defaults = cfg.Transformations.Default
	}

	if doc.RequiresSignedURL && cfg.Privacy.Active() {
		if doc.PublicID == "" {
			doc.PublicID = filename
		}
		signed, err := a.issuer.Issue(doc, cfg.Privacy, defaults)
		if err != nil {
			return "", err
		}
		return signed.URL, nil
	}

	publicID := doc.PublicID
	if publicID == "" {
		publicID = stripExt(filename)
		if prefix != "" {
			publicID = prefix + "/" + publicID
		}
	}
	opts := media.URLOptions{ResourceType: doc.ResourceType, Version: doc.Version}
	if params := transform.ForDelivery(defaults); len(params) > 0 {
		opts.Transformation = params
	}
	return a.svc.URL(publicID, opts)
}

// StaticRedirect returns where a static file request for filename should be
// redirected: the stored URL or a plain delivery URL rebuilt from doc.
func (a *Adapter) StaticRedirect(filename string, doc *model.Asset) (string, error) {
	var d model.Asset
	if doc != nil {
		d = *doc
	}
	if d.URL != "" {
		return d.URL, nil
	}
	publicID := d.PublicID
	if publicID == "" {
		publicID = filename
	}
	return a.svc.URL(publicID, media.URLOptions{ResourceType: d.ResourceType, Version: d.Version})
}
