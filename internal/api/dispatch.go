package api

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/clapshot/clapshot-server/internal/errs"
	"github.com/clapshot/clapshot-server/internal/hub"
	"github.com/clapshot/clapshot-server/internal/humanize"
	"github.com/clapshot/clapshot-server/internal/model"
	"github.com/clapshot/clapshot-server/internal/organizer"
)

// dispatch implements spec §4.J: one inbound command, executed sequentially
// within this session.
func dispatch(sess *session, msg wireMessage) {
	ctx := context.Background()
	var err error

	switch msg.Cmd {
	case "list_my_videos":
		err = cmdListMyVideos(ctx, sess)
	case "open_video":
		err = cmdOpenVideo(ctx, sess, msg.Data)
	case "del_video":
		err = cmdDelVideo(ctx, sess, msg.Data)
	case "rename_video":
		err = cmdRenameVideo(ctx, sess, msg.Data)
	case "add_comment":
		err = cmdAddComment(ctx, sess, msg.Data)
	case "edit_comment":
		err = cmdEditComment(ctx, sess, msg.Data)
	case "del_comment":
		err = cmdDelComment(ctx, sess, msg.Data)
	case "list_my_messages":
		err = cmdListMyMessages(ctx, sess)
	case "join_collab":
		err = cmdJoinCollab(ctx, sess, msg.Data)
	case "leave_collab":
		err = cmdLeaveCollab(sess)
	case "collab_report":
		err = cmdCollabReport(sess, msg.Data)
	case "echo":
		err = cmdEcho(sess, msg.Data)
	default:
		err = errs.InvalidArgumentf("unrecognized command %q", msg.Cmd)
	}

	if err != nil {
		sess.Send("error", map[string]string{"message": errorUserMessage(err)})
	}
}

func errorUserMessage(err error) string {
	if e, ok := err.(*errs.Error); ok {
		return e.UserMessage()
	}
	return "internal error"
}

// authorize routes a per-command check through the Organizer bridge
// (spec §4.L) when one is configured. It falls back to defaultAllow when no
// Organizer is configured, when the Organizer explicitly defers, and when
// the authorize call itself fails.
func authorize(ctx context.Context, sess *session, cmd, mediaId string, commentId *int64, defaultAllow bool) (bool, bool, error) {
	if sess.srv.cfg.Organizer == nil {
		return defaultAllow, false, nil
	}
	resp, err := organizer.Authorize(ctx, sess.srv.cfg.Organizer, organizer.AuthzRequest{
		Command: cmd, UserId: sess.userId, MediaId: mediaId, CommentId: commentId,
	})
	if err != nil {
		return defaultAllow, false, nil
	}
	if resp.Deferred {
		return defaultAllow, resp.MsgOnDeny, nil
	}
	return resp.Allow, resp.MsgOnDeny, nil
}

func denyOrSilent(sess *session, msgOnDeny bool) error {
	if msgOnDeny {
		return errs.AuthzDeniedf("not authorized")
	}
	return nil
}

type pageItem struct {
	Videos []*model.MediaFile `json:"videos,omitempty"`
}

func cmdListMyVideos(ctx context.Context, sess *session) error {
	media, err := sess.srv.cfg.Store.GetMediaByUser(ctx, sess.userId, nil)
	if err != nil {
		return err
	}
	return sess.Send("show_page", pageItem{Videos: media})
}

type openVideoRequest struct {
	Id string `json:"id"`
}

type openVideoResponse struct {
	Media    *model.MediaFile `json:"media"`
	Comments []*model.Comment `json:"comments"`
}

func cmdOpenVideo(ctx context.Context, sess *session, data json.RawMessage) error {
	var req openVideoRequest
	if err := json.Unmarshal(data, &req); err != nil || req.Id == "" {
		return errs.InvalidArgumentf("open_video requires an id")
	}

	allow, msgOnDeny, err := authorize(ctx, sess, "open_video", req.Id, nil, true)
	if err != nil {
		return err
	}
	if !allow {
		return denyOrSilent(sess, msgOnDeny)
	}

	media, err := sess.srv.cfg.Store.GetMedia(ctx, req.Id)
	if err != nil {
		return err
	}
	comments, err := sess.srv.cfg.Store.GetCommentsByVideo(ctx, req.Id, nil)
	if err != nil {
		return err
	}
	if err := inlineDrawings(sess.srv.cfg.VideosDir, req.Id, comments); err != nil {
		sess.srv.logger.Warnf("inline drawings for %s: %v", req.Id, err)
	}

	sess.mediaGrd.Release()
	sess.mediaGrd = sess.srv.cfg.Hub.JoinMedia(sess.id, req.Id)

	return sess.Send("open_video", openVideoResponse{Media: media, Comments: comments})
}

// inlineDrawings replaces each comment's on-disk drawing reference with a
// data:image/webp;base64 URL, per §4.J's "drawings inlined as data URLs".
func inlineDrawings(videosDir, mediaId string, comments []*model.Comment) error {
	for _, c := range comments {
		if c.DrawingRef == nil || *c.DrawingRef == "" {
			continue
		}
		path := filepath.Join(videosDir, mediaId, "drawings", *c.DrawingRef)
		raw, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		dataURL := "data:image/webp;base64," + base64.StdEncoding.EncodeToString(raw)
		c.DrawingRef = &dataURL
	}
	return nil
}

type idRequest struct {
	Id string `json:"id"`
}

func cmdDelVideo(ctx context.Context, sess *session, data json.RawMessage) error {
	var req idRequest
	if err := json.Unmarshal(data, &req); err != nil || req.Id == "" {
		return errs.InvalidArgumentf("del_video requires an id")
	}

	media, err := sess.srv.cfg.Store.GetMedia(ctx, req.Id)
	if err != nil {
		return err
	}
	isOwner := media.UserId != nil && *media.UserId == sess.userId
	defaultAllow := isOwner || sess.userId == "admin"

	allow, msgOnDeny, err := authorize(ctx, sess, "del_video", req.Id, nil, defaultAllow)
	if err != nil {
		return err
	}
	if !allow {
		return denyOrSilent(sess, msgOnDeny)
	}

	if err := backupAndTrash(sess.srv.cfg.VideosDir, media); err != nil {
		return err
	}
	return sess.srv.cfg.Store.DeleteMedia(ctx, req.Id)
}

// backupAndTrash implements spec §4.J's del_video disk steps: write
// db_backup.json inside the media directory, then move the whole directory
// under videos/trash/{id}_{timestamp}/.
func backupAndTrash(videosDir string, media *model.MediaFile) error {
	mediaDir := filepath.Join(videosDir, media.Id)
	raw, err := json.Marshal(media)
	if err != nil {
		return errs.Backend("marshal media for backup", err)
	}
	if err := os.WriteFile(filepath.Join(mediaDir, "db_backup.json"), raw, 0o644); err != nil {
		return errs.Backend("write db_backup.json", err)
	}

	trashDir := filepath.Join(videosDir, "trash")
	if err := os.MkdirAll(trashDir, 0o755); err != nil {
		return errs.Backend("create trash dir", err)
	}
	dst := filepath.Join(trashDir, fmt.Sprintf("%s_%d", media.Id, time.Now().UTC().Unix()))
	if err := os.Rename(mediaDir, dst); err != nil {
		return errs.Backend("move media dir to trash", err)
	}
	return nil
}

type renameVideoRequest struct {
	Id       string `json:"id"`
	NewTitle string `json:"new_title"`
}

func cmdRenameVideo(ctx context.Context, sess *session, data json.RawMessage) error {
	var req renameVideoRequest
	if err := json.Unmarshal(data, &req); err != nil || req.Id == "" {
		return errs.InvalidArgumentf("rename_video requires an id and new_title")
	}
	allow, msgOnDeny, err := authorize(ctx, sess, "rename_video", req.Id, nil, true)
	if err != nil {
		return err
	}
	if !allow {
		return denyOrSilent(sess, msgOnDeny)
	}
	return sess.srv.cfg.Store.Rename(ctx, req.Id, req.NewTitle)
}

type addCommentRequest struct {
	VideoId  string  `json:"video_id"`
	Comment  string  `json:"comment"`
	Timecode *string `json:"timecode,omitempty"`
	ParentId *int64  `json:"parent_id,omitempty"`
	Drawing  *string `json:"drawing,omitempty"`
}

func cmdAddComment(ctx context.Context, sess *session, data json.RawMessage) error {
	var req addCommentRequest
	if err := json.Unmarshal(data, &req); err != nil || req.VideoId == "" {
		return errs.InvalidArgumentf("add_comment requires a video_id")
	}

	allow, msgOnDeny, err := authorize(ctx, sess, "add_comment", req.VideoId, nil, true)
	if err != nil {
		return err
	}
	if !allow {
		return denyOrSilent(sess, msgOnDeny)
	}

	var drawingRef *string
	if req.Drawing != nil && *req.Drawing != "" {
		ref, err := writeDrawing(sess.srv.cfg.VideosDir, req.VideoId, *req.Drawing)
		if err != nil {
			return err
		}
		drawingRef = &ref
	}

	c := &model.Comment{
		VideoId:    req.VideoId,
		ParentId:   req.ParentId,
		Created:    time.Now().UTC(),
		UserId:     sess.userId,
		UserName:   sess.userName,
		Comment:    req.Comment,
		Timecode:   req.Timecode,
		DrawingRef: drawingRef,
	}
	id, err := sess.srv.cfg.Store.InsertComment(ctx, c)
	if err != nil {
		return err
	}
	c.Id = id

	return sess.srv.cfg.Hub.Emit("add_comments", []*model.Comment{c}, hub.ToMedia(req.VideoId))
}

// writeDrawing decodes a data:image/webp;base64,... URL to bytes, hashes
// them to a 16-hex-char filename, and writes it under
// videos/{media}/drawings/, per spec §4.J. A plain (non data-URL) value is
// treated as an existing reference and passed through unchanged.
func writeDrawing(videosDir, mediaId, drawing string) (string, error) {
	const prefix = "data:image/webp;base64,"
	if !strings.HasPrefix(drawing, prefix) {
		return drawing, nil
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(drawing, prefix))
	if err != nil {
		return "", errs.InvalidArgumentf("malformed drawing data URL")
	}
	sum := sha256.Sum256(raw)
	filename := fmt.Sprintf("%x.webp", sum[:8])

	dir := filepath.Join(videosDir, mediaId, "drawings")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errs.Backend("create drawings dir", err)
	}
	if err := os.WriteFile(filepath.Join(dir, filename), raw, 0o644); err != nil {
		return "", errs.Backend("write drawing", err)
	}
	return filename, nil
}

type editCommentRequest struct {
	Id      int64  `json:"id"`
	Comment string `json:"comment"`
}

func cmdEditComment(ctx context.Context, sess *session, data json.RawMessage) error {
	var req editCommentRequest
	if err := json.Unmarshal(data, &req); err != nil || req.Id == 0 {
		return errs.InvalidArgumentf("edit_comment requires an id")
	}

	existing, err := sess.srv.cfg.Store.GetComment(ctx, req.Id)
	if err != nil {
		return err
	}
	defaultAllow := existing.UserId == sess.userId || sess.userId == "admin"

	allow, msgOnDeny, err := authorize(ctx, sess, "edit_comment", existing.VideoId, &req.Id, defaultAllow)
	if err != nil {
		return err
	}
	if !allow {
		return denyOrSilent(sess, msgOnDeny)
	}

	now := time.Now().UTC()
	if err := sess.srv.cfg.Store.EditComment(ctx, req.Id, req.Comment, now); err != nil {
		return err
	}
	updated, err := sess.srv.cfg.Store.GetComment(ctx, req.Id)
	if err != nil {
		return err
	}

	// Spec §4.J: "emits a delete followed by an insert to preserve client
	// consistency".
	if err := sess.srv.cfg.Hub.Emit("del_comment", idRequest{Id: fmt.Sprintf("%d", req.Id)}, hub.ToMedia(existing.VideoId)); err != nil {
		return err
	}
	return sess.srv.cfg.Hub.Emit("add_comments", []*model.Comment{updated}, hub.ToMedia(existing.VideoId))
}

type commentIdRequest struct {
	Id int64 `json:"id"`
}

func cmdDelComment(ctx context.Context, sess *session, data json.RawMessage) error {
	var req commentIdRequest
	if err := json.Unmarshal(data, &req); err != nil || req.Id == 0 {
		return errs.InvalidArgumentf("del_comment requires an id")
	}

	existing, err := sess.srv.cfg.Store.GetComment(ctx, req.Id)
	if err != nil {
		return err
	}
	defaultAllow := existing.UserId == sess.userId || sess.userId == "admin"

	allow, msgOnDeny, err := authorize(ctx, sess, "del_comment", existing.VideoId, &req.Id, defaultAllow)
	if err != nil {
		return err
	}
	if !allow {
		return denyOrSilent(sess, msgOnDeny)
	}

	if err := sess.srv.cfg.Store.DeleteComment(ctx, req.Id); err != nil {
		return err
	}
	return sess.srv.cfg.Hub.Emit("del_comment", commentIdRequest{Id: req.Id}, hub.ToMedia(existing.VideoId))
}

type messageView struct {
	*model.UserMessage
	RelativeTime string `json:"relative_time"`
}

func cmdListMyMessages(ctx context.Context, sess *session) error {
	msgs, err := sess.srv.cfg.Store.GetMessagesByUser(ctx, sess.userId, nil)
	if err != nil {
		return err
	}
	if err := sess.srv.cfg.Store.SetAllSeenForUser(ctx, sess.userId); err != nil {
		sess.srv.logger.Warnf("mark messages seen for %s: %v", sess.userId, err)
	}
	now := time.Now().UTC()
	views := make([]messageView, len(msgs))
	for i, m := range msgs {
		views[i] = messageView{UserMessage: m, RelativeTime: humanize.Relative(m.Created, now)}
	}
	return sess.Send("show_messages", views)
}

type joinCollabRequest struct {
	CollabId string `json:"collab_id"`
	MediaId  string `json:"media_id"`
}

func cmdJoinCollab(ctx context.Context, sess *session, data json.RawMessage) error {
	var req joinCollabRequest
	if err := json.Unmarshal(data, &req); err != nil || req.CollabId == "" || req.MediaId == "" {
		return errs.InvalidArgumentf("join_collab requires collab_id and media_id")
	}

	sess.collabGrd.Release()
	guard, err := sess.srv.cfg.Hub.JoinCollab(sess.id, req.CollabId, req.MediaId)
	if err != nil {
		return err
	}
	sess.collabGrd = guard

	return sess.srv.cfg.Hub.Emit("collab_event", map[string]string{
		"message": fmt.Sprintf("%s joined the session", displayName(sess)),
	}, hub.ToCollab(req.CollabId))
}

func cmdLeaveCollab(sess *session) error {
	sess.collabGrd.Release()
	sess.collabGrd = nil
	return nil
}

type collabReportRequest struct {
	Paused      bool    `json:"paused"`
	SeekTimeSec float64 `json:"seek_time_sec"`
	Drawing     *string `json:"drawing,omitempty"`
}

func cmdCollabReport(sess *session, data json.RawMessage) error {
	var req collabReportRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return errs.InvalidArgumentf("malformed collab_report payload")
	}
	return sess.srv.cfg.Hub.Emit("collab_event", req, hub.ToSender(sess))
}

type echoRequest struct {
	Message string `json:"message"`
}

func cmdEcho(sess *session, data json.RawMessage) error {
	var req echoRequest
	json.Unmarshal(data, &req)
	return sess.Send("echo", req)
}

func displayName(sess *session) string {
	if sess.userName != "" {
		return sess.userName
	}
	return sess.userId
}
