package handlers

import (
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/gorilla/mux"

	"github.com/pkgvault/pkgvault"
	"github.com/pkgvault/pkgvault/internal/dcontext"
)

// publishRequest is the wire shape of a PUT /{pkg} publish body: a manifest
// carrying exactly one new version and its base64-encoded tarball attachment,
// per SPEC_FULL §6. A body with Attachments cleared is instead a
// change_package (unpublish/deprecate) request.
type publishRequest struct {
	Name        string                         `json:"name"`
	DistTags    map[string]string              `json:"dist-tags"`
	Versions    map[string]pkgvault.Version    `json:"versions"`
	Time        map[string]string              `json:"time,omitempty"`
	Readme      string                         `json:"readme"`
	Users       map[string]bool                `json:"users,omitempty"`
	Attachments map[string]publishAttachment   `json:"_attachments"`
}

type publishAttachment struct {
	ContentType string `json:"content_type"`
	Data        string `json:"data"`
	Length      int    `json:"length"`
}

func (app *App) publish(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["pkg"]
	ctx := r.Context()

	var req publishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, pkgvault.BadData("malformed publish request: "+err.Error()))
		return
	}

	if len(req.Attachments) == 0 {
		app.doChangePackage(w, r, name, req)
		return
	}

	version, tag, err := extractPublishedVersion(req)
	if err != nil {
		writeError(w, err)
		return
	}

	filename := tarballFilename(version.Dist.Tarball)
	attachment, ok := req.Attachments[filename]
	if !ok {
		writeError(w, pkgvault.BadData("no attachment named "+filename+" in publish request"))
		return
	}

	data, err := base64.StdEncoding.DecodeString(attachment.Data)
	if err != nil {
		writeError(w, pkgvault.BadData("attachment "+filename+" is not valid base64"))
		return
	}

	sum := sha1.Sum(data)
	computed := hex.EncodeToString(sum[:])
	if version.Dist.Shasum != "" && version.Dist.Shasum != computed {
		writeError(w, pkgvault.BadRequest("shasum mismatch for "+filename+": dist.shasum does not match the uploaded tarball"))
		return
	}
	version.Dist.Shasum = computed

	writer, err := app.store.AddTarball(ctx, name, filename)
	if err != nil {
		writeError(w, err)
		return
	}
	if _, err := writer.Write(data); err != nil {
		_ = writer.Abort()
		writeError(w, pkgvault.Internal("writing tarball: "+err.Error()))
		return
	}
	if err := writer.Commit(); err != nil {
		writeError(w, pkgvault.Internal("committing tarball: "+err.Error()))
		return
	}

	m, err := app.store.AddVersion(ctx, name, version, req.Readme, tag)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, http.StatusCreated, "created new package", m)
}

// extractPublishedVersion finds the single version in req.Versions whose
// dist.tarball basename matches the lone attachment, and the dist-tag (if
// any) that names it, defaulting to "latest".
func extractPublishedVersion(req publishRequest) (pkgvault.Version, string, error) {
	if len(req.Attachments) != 1 {
		return pkgvault.Version{}, "", pkgvault.BadData("publish request must contain exactly one attachment")
	}
	var filename string
	for f := range req.Attachments {
		filename = f
	}

	for vstr, v := range req.Versions {
		if tarballFilename(v.Dist.Tarball) != filename {
			continue
		}
		tag := "latest"
		for t, tv := range req.DistTags {
			if tv == vstr {
				tag = t
				break
			}
		}
		return v, tag, nil
	}
	return pkgvault.Version{}, "", pkgvault.BadData("no version in publish request references attachment " + filename)
}

func tarballFilename(tarballURL string) string {
	return path.Base(tarballURL)
}

func (app *App) changePackage(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["pkg"]

	var req publishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, pkgvault.BadData("malformed change_package request: "+err.Error()))
		return
	}
	app.doChangePackage(w, r, name, req)
}

func (app *App) doChangePackage(w http.ResponseWriter, r *http.Request, name string, req publishRequest) {
	incoming := pkgvault.Manifest{
		Name:     name,
		Versions: req.Versions,
		DistTags: req.DistTags,
		Users:    req.Users,
		Readme:   req.Readme,
	}.Normalize()

	m, err := app.store.ChangePackage(r.Context(), name, incoming)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, http.StatusCreated, "package changed", m)
}

func (app *App) getPackageManifest(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["pkg"]
	ctx := r.Context()

	m, warnings, err := app.store.GetPackageManifest(ctx, name)
	if err != nil {
		writeError(w, err)
		return
	}
	for _, warn := range warnings {
		dcontext.GetLogger(ctx).Warnf("get_package_manifest(%s): %v", name, warn)
	}
	writeJSON(w, http.StatusOK, m)
}

func (app *App) getPackageByVersion(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	name, versionOrTag := vars["pkg"], vars["versionOrTag"]

	version, _, err := app.store.GetPackageByVersion(r.Context(), name, versionOrTag)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, version)
}

func (app *App) removePackage(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["pkg"]
	if err := app.store.RemovePackage(r.Context(), name); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, http.StatusOK, "package removed", nil)
}

func (app *App) removeTarball(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	name, file := vars["pkg"], vars["file"]

	m, err := app.store.RemoveTarball(r.Context(), name, file)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, http.StatusOK, "tarball removed", m)
}

func (app *App) getTarball(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	name, file := vars["pkg"], vars["file"]

	rc, err := app.store.GetTarball(r.Context(), name, file)
	if err != nil {
		writeError(w, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", `attachment; filename="`+file+`"`)
	if _, err := io.Copy(w, rc); err != nil {
		dcontext.GetLogger(r.Context()).Errorf("get_tarball(%s/%s): streaming to client: %v", name, file, err)
	}
}

// setDistTagLegacy implements PUT /{pkg}/{tag} with a raw JSON string body,
// SPEC_FULL §6's merge_tags({tag: body}) shorthand.
func (app *App) setDistTagLegacy(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	name, tag := vars["pkg"], vars["tag"]

	var version string
	if err := json.NewDecoder(r.Body).Decode(&version); err != nil {
		writeError(w, pkgvault.BadData("dist-tag body must be a JSON string: "+err.Error()))
		return
	}

	m, err := app.store.MergeTags(r.Context(), name, map[string]*string{tag: &version})
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, http.StatusCreated, "dist-tag updated", m)
}

func (app *App) setDistTag(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	name, tag := vars["pkg"], vars["tag"]

	var version string
	if err := json.NewDecoder(r.Body).Decode(&version); err != nil {
		writeError(w, pkgvault.BadData("dist-tag body must be a JSON string: "+err.Error()))
		return
	}

	m, err := app.store.MergeTags(r.Context(), name, map[string]*string{tag: &version})
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, http.StatusCreated, "dist-tag updated", m)
}

func (app *App) deleteDistTag(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	name, tag := vars["pkg"], vars["tag"]

	m, err := app.store.MergeTags(r.Context(), name, map[string]*string{tag: nil})
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, http.StatusOK, "dist-tag deleted", m)
}

func (app *App) setDistTags(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["pkg"]

	var tags map[string]string
	if err := json.NewDecoder(r.Body).Decode(&tags); err != nil {
		writeError(w, pkgvault.BadData("dist-tags body must be a JSON object: "+err.Error()))
		return
	}

	merge := make(map[string]*string, len(tags))
	for tag, version := range tags {
		v := version
		merge[tag] = &v
	}

	m, err := app.store.MergeTags(r.Context(), name, merge)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, http.StatusCreated, "dist-tags updated", m)
}

func (app *App) listDistTags(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["pkg"]

	m, _, err := app.store.GetPackage(r.Context(), name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m.DistTags)
}

// searchResponse mirrors the ecosystem's GET /-/v1/search envelope.
type searchResponse struct {
	Objects []searchResultObject `json:"objects"`
	Total   int                  `json:"total"`
}

type searchResultObject struct {
	Package pkgvault.SearchPackageBody `json:"package"`
}

func (app *App) search(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("text"))

	items, err := app.store.Search(r.Context(), query)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := searchResponse{Objects: make([]searchResultObject, 0, len(items)), Total: len(items)}
	for _, item := range items {
		resp.Objects = append(resp.Objects, searchResultObject{Package: item})
	}
	writeJSON(w, http.StatusOK, resp)
}
