package devserver

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/pinmap/locsync/internal/model"
	"github.com/pinmap/locsync/internal/model/convert"
	"github.com/pinmap/locsync/internal/storage"
	"github.com/pinmap/locsync/pkg/core"
	"github.com/pinmap/locsync/pkg/streaming"
)

// reserved query parameters that are not column filters
var reserved = map[string]bool{"select": true, "order": true, "limit": true, "offset": true, "on_conflict": true}

func badRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"message": err.Error()})
}

func (s *Server) handleSelect(c *gin.Context) {
	t, ok := tables[c.Param("table")]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"message": "unknown table " + c.Param("table")})
		return
	}
	q := c.Request.URL.Query()
	columns, err := t.selectColumns(q.Get("select"))
	if err != nil {
		badRequest(c, err)
		return
	}
	tx := s.db.WithContext(c.Request.Context())
	for col, exprs := range q {
		if reserved[col] {
			continue
		}
		if !t.has(col) {
			c.JSON(http.StatusBadRequest, gin.H{"message": "unknown column " + col})
			return
		}
		for _, expr := range exprs {
			cond, err := parseCondition(col, expr)
			if err != nil {
				badRequest(c, err)
				return
			}
			tx = cond.apply(tx)
		}
	}
	order, err := t.orderClause(q.Get("order"))
	if err != nil {
		badRequest(c, err)
		return
	}
	if order != "" {
		tx = tx.Order(order)
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"message": "bad limit " + v})
			return
		}
		tx = tx.Limit(n)
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"message": "bad offset " + v})
			return
		}
		tx = tx.Offset(n)
	}

	rows := t.rows()
	if err := tx.Find(rows).Error; err != nil {
		s.log.Error("Select failed", "table", c.Param("table"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"message": "query failed"})
		return
	}
	out, err := toRecords(rows, columns)
	if err != nil {
		s.log.Error("Failed to encode rows", "table", c.Param("table"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"message": "encoding failed"})
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleUpsert(c *gin.Context) {
	subject := c.GetString(subjectKey)
	switch c.Param("table") {
	case streaming.TableLocations:
		s.upsertLocation(c, subject)
	case streaming.TableProfiles:
		s.upsertProfile(c, subject)
	case "friendships":
		s.addFriendship(c, subject)
	default:
		c.JSON(http.StatusNotFound, gin.H{"message": "unknown table " + c.Param("table")})
	}
}

// respond finishes a write honouring the Prefer return preference.
func respond(c *gin.Context, rec map[string]any) {
	if strings.Contains(c.GetHeader("Prefer"), "return=representation") {
		c.JSON(http.StatusCreated, []map[string]any{rec})
		return
	}
	c.Status(http.StatusCreated)
}

func (s *Server) upsertLocation(c *gin.Context, subject string) {
	var row model.Location
	if err := c.ShouldBindJSON(&row); err != nil {
		badRequest(c, err)
		return
	}
	if row.UserID != subject {
		c.JSON(http.StatusForbidden, gin.H{"message": "cannot write another user's location"})
		return
	}
	ctx := c.Request.Context()
	id := core.PeerID(row.UserID)

	event := streaming.EventUpdate
	if _, err := s.store.LocationOf(ctx, id); errors.Is(err, storage.ErrNotFound) {
		event = streaming.EventInsert
	}
	if err := s.store.UpsertLocation(ctx, convert.LocationToRecord(row)); err != nil {
		s.log.Error("Location upsert failed", "user", row.UserID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"message": "upsert failed"})
		return
	}
	stored, err := s.store.LocationOf(ctx, id)
	if err != nil {
		s.log.Error("Failed to read back location", "user", row.UserID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"message": "upsert failed"})
		return
	}
	row, err = convert.RecordToLocation(stored)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"message": "encoding failed"})
		return
	}
	rec, err := toRecord(row)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"message": "encoding failed"})
		return
	}
	withholdHidden(rec)
	n := s.hub.Publish(streaming.ChangePayload{Table: streaming.TableLocations, Event: event, Record: rec})
	s.log.Debug("Location written", "user", row.UserID, "event", event, "visible", stored.Visible, "subscribers", n)
	respond(c, rec)
}

func (s *Server) upsertProfile(c *gin.Context, subject string) {
	var row model.Profile
	if err := c.ShouldBindJSON(&row); err != nil {
		badRequest(c, err)
		return
	}
	if row.ID != subject {
		c.JSON(http.StatusForbidden, gin.H{"message": "cannot write another user's profile"})
		return
	}
	ctx := c.Request.Context()
	p := convert.ProfileToCore(row)

	event := streaming.EventUpdate
	if _, err := s.store.FetchProfile(ctx, p.ID); errors.Is(err, storage.ErrNotFound) {
		event = streaming.EventInsert
	}
	if err := s.store.SaveProfile(ctx, p); err != nil {
		s.log.Error("Profile upsert failed", "user", row.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"message": "upsert failed"})
		return
	}
	rec := map[string]any{"id": row.ID, "display_name": row.DisplayName, "photo_url": row.PhotoURL}
	s.hub.Publish(streaming.ChangePayload{Table: streaming.TableProfiles, Event: event, Record: rec})
	respond(c, rec)
}

func (s *Server) addFriendship(c *gin.Context, subject string) {
	var row model.Friendship
	if err := c.ShouldBindJSON(&row); err != nil {
		badRequest(c, err)
		return
	}
	if row.UserID != subject || row.FriendID == "" || row.FriendID == subject {
		c.JSON(http.StatusForbidden, gin.H{"message": "invalid friendship"})
		return
	}
	if err := s.store.AddFriendship(c.Request.Context(), core.PeerID(row.UserID), core.PeerID(row.FriendID)); err != nil {
		s.log.Error("Friendship insert failed", "user", row.UserID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"message": "insert failed"})
		return
	}
	respond(c, map[string]any{"user_id": row.UserID, "friend_id": row.FriendID})
}

// handleDelete removes the caller's own location row, the only delete the
// backend allows.
func (s *Server) handleDelete(c *gin.Context) {
	if c.Param("table") != streaming.TableLocations {
		c.JSON(http.StatusMethodNotAllowed, gin.H{"message": "delete not allowed on " + c.Param("table")})
		return
	}
	subject := c.GetString(subjectKey)
	cond, err := parseCondition("user_id", c.Query("user_id"))
	if err != nil {
		badRequest(c, err)
		return
	}
	if cond.op != "eq" || cond.values[0] != subject {
		c.JSON(http.StatusForbidden, gin.H{"message": "cannot delete another user's location"})
		return
	}
	ctx := c.Request.Context()
	old := map[string]any{"user_id": subject}
	if prev, err := s.store.LocationOf(ctx, core.PeerID(subject)); err == nil && !prev.UpdatedAt.IsZero() {
		old["updated_at"] = prev.UpdatedAt.UTC().Format(time.RFC3339Nano)
	}
	existed, err := s.store.DeleteLocation(ctx, core.PeerID(subject))
	if err != nil {
		s.log.Error("Location delete failed", "user", subject, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"message": "delete failed"})
		return
	}
	if existed {
		s.hub.Publish(streaming.ChangePayload{
			Table:     streaming.TableLocations,
			Event:     streaming.EventDelete,
			OldRecord: old,
		})
	}
	c.Status(http.StatusNoContent)
}
