package testkit

import (
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

type wireGoal struct {
	ID                 int     `json:"id"`
	OwnerID            string  `json:"-"`
	Title              string  `json:"title"`
	Description        string  `json:"description"`
	Category           string  `json:"category"`
	Type               string  `json:"type"`
	Difficulty         string  `json:"difficulty"`
	Status             string  `json:"status"`
	StartDate          string  `json:"startDate"`
	TargetDate         string  `json:"targetDate"`
	TargetValue        *int    `json:"targetValue"`
	TargetUnit         string  `json:"targetUnit"`
	CurrentProgress    int     `json:"currentProgress"`
	IsPublic           bool    `json:"isPublic"`
	MaxBuddies         int     `json:"maxBuddies"`
	ProgressPercentage float64 `json:"progressPercentage"`
}

type wireRelationship struct {
	ID          int
	GoalID      int
	RequesterID string
	OwnerID     string
	Status      string
}

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

func errorBody(msg string) gin.H {
	return gin.H{"error": msg}
}

func (b *Backend) registerRoutes(r *gin.Engine) {
	r.Use(b.recordBearer)
	r.GET("/actuator/health", b.health)
	r.GET("/ws/chat", b.handleWS)

	auth := r.Group("/auth")
	{
		auth.POST("/login", b.login)
		auth.POST("/register", b.register)
		auth.GET("/me", b.authRequired, b.me)
	}

	chat := r.Group("/chat", b.authRequired)
	{
		chat.POST("/send", b.sendMessage)
		chat.GET("/history/:peer", b.history)
		chat.GET("/unread", b.unread)
		chat.PUT("/read/:id", b.markRead)
	}

	notifications := r.Group("/notifications", b.authRequired)
	{
		notifications.POST("/register-token", b.registerDevice)
		notifications.DELETE("/unregister-token", b.unregisterDevice)
	}

	goals := r.Group("/goals", b.authRequired)
	{
		goals.GET("", b.listGoals)
		goals.POST("", b.createGoal)
		goals.GET("/categories", b.goalCategories)
		goals.GET("/active", b.activeGoals)
		goals.GET("/:id", b.getGoal)
		goals.PUT("/:id", b.updateGoal)
		goals.DELETE("/:id", b.deleteGoal)
		goals.POST("/:id/progress", b.updateProgress)
	}

	buddies := r.Group("/buddies", b.authRequired)
	{
		buddies.POST("/request/:goalId", b.requestBuddy)
		buddies.POST("/accept/:id", b.acceptBuddy)
		buddies.DELETE("/reject/:id", b.rejectBuddy)
		buddies.GET("/my-buddies", b.myBuddies)
		buddies.GET("/pending-requests", b.pendingRequests)
		buddies.GET("/recommendations", b.recommendations)
	}
}

func bearer(c *gin.Context) string {
	header := strings.TrimSpace(c.GetHeader("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func (b *Backend) recordBearer(c *gin.Context) {
	b.mu.Lock()
	b.lastBearer[c.Request.URL.Path] = bearer(c)
	b.mu.Unlock()
	c.Next()
}

func (b *Backend) authRequired(c *gin.Context) {
	raw := bearer(c)
	if raw == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody("missing bearer token"))
		return
	}
	acc, err := b.parse(raw)
	if err != nil {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}
	c.Set("auth_account", acc)
	c.Next()
}

func current(c *gin.Context) *account {
	v, _ := c.Get("auth_account")
	acc, _ := v.(*account)
	return acc
}

func (b *Backend) health(c *gin.Context) {
	b.mu.Lock()
	b.healthProbes++
	up := b.realtimeUp
	b.mu.Unlock()
	component := "UP"
	if !up {
		component = "DOWN"
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "UP",
		"components": gin.H{
			"db":              gin.H{"status": "UP"},
			RealtimeComponent: gin.H{"status": component},
		},
	})
}

func (b *Backend) login(c *gin.Context) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(err.Error()))
		return
	}
	if strings.TrimSpace(req.Username) == "" {
		c.JSON(http.StatusBadRequest, errorBody("Username is required"))
		return
	}
	b.mu.Lock()
	acc, ok := b.accounts[strings.TrimSpace(req.Username)]
	b.mu.Unlock()
	if !ok || acc.Password != req.Password {
		c.JSON(http.StatusBadRequest, errorBody("Invalid username or password"))
		return
	}
	tok, err := b.sign(acc)
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorBody("Login service temporarily unavailable"))
		return
	}
	id, _ := strconv.Atoi(acc.ID)
	c.JSON(http.StatusOK, gin.H{
		"token":     tok,
		"type":      "Bearer",
		"id":        id,
		"username":  acc.Username,
		"email":     acc.Email,
		"role":      acc.Role,
		"firstName": acc.FirstName,
		"lastName":  acc.LastName,
	})
}

func (b *Backend) register(c *gin.Context) {
	var req struct {
		Username  string `json:"username"`
		Email     string `json:"email"`
		Password  string `json:"password"`
		FirstName string `json:"firstName"`
		LastName  string `json:"lastName"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(err.Error()))
		return
	}
	if len(strings.TrimSpace(req.Username)) < 3 {
		c.JSON(http.StatusBadRequest, errorBody("Username must be at least 3 characters long"))
		return
	}
	if len(req.Password) < 6 {
		c.JSON(http.StatusBadRequest, errorBody("Password must be at least 6 characters long"))
		return
	}
	b.mu.Lock()
	_, taken := b.accounts[req.Username]
	b.mu.Unlock()
	if taken {
		c.JSON(http.StatusBadRequest, errorBody("Username is already taken!"))
		return
	}
	id := b.AddUser(req.Username, req.Password, req.FirstName, req.LastName)
	n, _ := strconv.Atoi(id)
	c.JSON(http.StatusOK, gin.H{"message": "User registered successfully!", "userId": n})
}

func (b *Backend) me(c *gin.Context) {
	acc := current(c)
	id, _ := strconv.Atoi(acc.ID)
	c.JSON(http.StatusOK, gin.H{
		"id":        id,
		"username":  acc.Username,
		"email":     acc.Email,
		"firstName": acc.FirstName,
		"lastName":  acc.LastName,
		"role":      acc.Role,
	})
}

func (b *Backend) notConfigured() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.realtimeConfigured
}

func (b *Backend) sendMessage(c *gin.Context) {
	if b.notConfigured() {
		c.JSON(http.StatusOK, gin.H{"message": "Chat requires Firebase setup", "status": "firebase_not_configured"})
		return
	}
	var req struct {
		ReceiverID string `json:"receiverId"`
		Content    string `json:"content"`
		Type       string `json:"type"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Content) == "" || strings.TrimSpace(req.ReceiverID) == "" {
		c.JSON(http.StatusBadRequest, errorBody("Content and receiverId are required"))
		return
	}
	if req.Type == "" {
		req.Type = "text"
	}
	acc := current(c)
	b.mu.Lock()
	msg := b.storeLocked(acc.ID, req.ReceiverID, req.Content, req.Type, time.Now())
	b.mu.Unlock()
	b.Publish(msg)
	c.JSON(http.StatusOK, gin.H{"messageId": msg.ID, "message": "Message sent successfully"})
}

func (b *Backend) history(c *gin.Context) {
	b.mu.Lock()
	gate := b.historyGate
	b.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-c.Request.Context().Done():
			return
		}
	}
	if b.notConfigured() {
		c.JSON(http.StatusOK, gin.H{"message": "Chat requires Firebase setup", "status": "firebase_not_configured"})
		return
	}
	me := current(c).ID
	peer := c.Param("peer")
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	b.mu.Lock()
	out := make([]WireMessage, 0)
	for _, m := range b.messages {
		if PairKey(m.SenderID, m.ReceiverID) == PairKey(me, peer) {
			out = append(out, m)
		}
	}
	b.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Timestamp.Seconds != out[j].Timestamp.Seconds {
			return out[i].Timestamp.Seconds < out[j].Timestamp.Seconds
		}
		return out[i].Timestamp.Nanos < out[j].Timestamp.Nanos
	})
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	c.JSON(http.StatusOK, out)
}

func (b *Backend) unread(c *gin.Context) {
	if b.notConfigured() {
		c.JSON(http.StatusOK, gin.H{"message": "Chat requires Firebase setup", "status": "firebase_not_configured"})
		return
	}
	me := current(c).ID
	b.mu.Lock()
	out := make([]WireMessage, 0)
	for _, m := range b.messages {
		if m.ReceiverID == me && !m.IsRead {
			out = append(out, m)
		}
	}
	b.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"unreadCount": len(out), "messages": out})
}

func (b *Backend) markRead(c *gin.Context) {
	id := c.Param("id")
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.messages {
		if b.messages[i].ID == id {
			b.messages[i].IsRead = true
			c.JSON(http.StatusOK, gin.H{"message": "Message marked as read"})
			return
		}
	}
	c.JSON(http.StatusBadRequest, errorBody("Failed to mark message as read: not found"))
}

func (b *Backend) registerDevice(c *gin.Context) {
	var req struct {
		Token      string `json:"token"`
		DeviceType string `json:"deviceType"`
		DeviceName string `json:"deviceName"`
		AppVersion string `json:"appVersion"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Token) == "" {
		c.JSON(http.StatusBadRequest, errorBody("FCM token is required"))
		return
	}
	acc := current(c)
	b.mu.Lock()
	b.registerCalls++
	b.devices[req.Token] = &Device{
		Token:      req.Token,
		UserID:     acc.ID,
		DeviceType: req.DeviceType,
		DeviceName: req.DeviceName,
		AppVersion: req.AppVersion,
		Active:     true,
	}
	b.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"message": "FCM token registered successfully"})
}

func (b *Backend) unregisterDevice(c *gin.Context) {
	var req struct {
		Token string `json:"token"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Token) == "" {
		c.JSON(http.StatusBadRequest, errorBody("FCM token is required"))
		return
	}
	b.mu.Lock()
	b.unregisterCall++
	if d, ok := b.devices[req.Token]; ok {
		d.Active = false
	}
	b.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"message": "FCM token unregistered successfully"})
}

func (b *Backend) handleWS(c *gin.Context) {
	raw := bearer(c)
	if raw == "" {
		raw = strings.TrimSpace(c.Query("access_token"))
	}
	acc, err := b.parse(raw)
	if err != nil {
		c.JSON(http.StatusUnauthorized, errorBody("invalid token"))
		return
	}
	b.mu.Lock()
	rejected := b.wsRejected
	b.mu.Unlock()
	if rejected {
		c.JSON(http.StatusServiceUnavailable, errorBody("realtime unavailable"))
		return
	}
	peer := strings.TrimSpace(c.Query("peer_id"))
	if peer == "" {
		c.JSON(http.StatusBadRequest, errorBody("peer_id required"))
		return
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	client := &wsClient{conn: conn}
	room := PairKey(acc.ID, peer)

	b.mu.Lock()
	b.wsConnects++
	if b.rooms[room] == nil {
		b.rooms[room] = map[*wsClient]struct{}{}
	}
	b.rooms[room][client] = struct{}{}
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.rooms[room], client)
		if len(b.rooms[room]) == 0 {
			delete(b.rooms, room)
		}
		b.mu.Unlock()
		_ = conn.Close()
	}()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (b *Backend) listGoals(c *gin.Context) {
	goals := b.goalsOf(current(c).ID, false)
	c.JSON(http.StatusOK, gin.H{"goals": goals, "totalGoals": len(goals)})
}

func (b *Backend) activeGoals(c *gin.Context) {
	goals := b.goalsOf(current(c).ID, true)
	c.JSON(http.StatusOK, gin.H{"activeGoals": goals, "totalActive": len(goals)})
}

func (b *Backend) goalsOf(owner string, activeOnly bool) []wireGoal {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]wireGoal, 0)
	for _, g := range b.goals {
		if g.OwnerID != owner || (activeOnly && g.Status != "ACTIVE") {
			continue
		}
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (b *Backend) goalCategories(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"categories":   []string{"FITNESS", "EDUCATION", "HOBBY", "CAREER", "HEALTH", "SOCIAL", "CREATIVE", "SPIRITUAL", "OTHER"},
		"types":        []string{"DAILY", "WEEKLY", "MILESTONE"},
		"difficulties": []string{"EASY", "MEDIUM", "HARD"},
		"statuses":     []string{"ACTIVE", "COMPLETED", "PAUSED", "CANCELLED"},
	})
}

func (b *Backend) createGoal(c *gin.Context) {
	var g wireGoal
	if err := c.ShouldBindJSON(&g); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(err.Error()))
		return
	}
	if strings.TrimSpace(g.Title) == "" {
		c.JSON(http.StatusBadRequest, errorBody("Goal title is required"))
		return
	}
	if strings.TrimSpace(g.Category) == "" {
		c.JSON(http.StatusBadRequest, errorBody("Goal category is required"))
		return
	}
	b.mu.Lock()
	b.nextGoalID++
	g.ID = b.nextGoalID
	g.OwnerID = current(c).ID
	g.Status = "ACTIVE"
	if g.MaxBuddies == 0 {
		g.MaxBuddies = 1
	}
	b.goals[g.ID] = &g
	b.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"message": "Goal created successfully!", "goalId": g.ID, "goal": g})
}

func (b *Backend) ownedGoal(c *gin.Context) (*wireGoal, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody("Invalid goal id"))
		return nil, false
	}
	b.mu.Lock()
	g, ok := b.goals[id]
	b.mu.Unlock()
	if !ok {
		c.JSON(http.StatusNotFound, errorBody("Goal not found"))
		return nil, false
	}
	if g.OwnerID != current(c).ID {
		c.JSON(http.StatusBadRequest, errorBody("You don't have permission to access this goal"))
		return nil, false
	}
	return g, true
}

func (b *Backend) getGoal(c *gin.Context) {
	g, ok := b.ownedGoal(c)
	if !ok {
		return
	}
	b.mu.Lock()
	out := *g
	b.mu.Unlock()
	c.JSON(http.StatusOK, out)
}

func (b *Backend) updateGoal(c *gin.Context) {
	g, ok := b.ownedGoal(c)
	if !ok {
		return
	}
	var patch map[string]any
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(err.Error()))
		return
	}
	b.mu.Lock()
	if v, ok := patch["title"].(string); ok {
		if strings.TrimSpace(v) == "" {
			b.mu.Unlock()
			c.JSON(http.StatusBadRequest, errorBody("Goal title cannot be empty"))
			return
		}
		g.Title = v
	}
	if v, ok := patch["description"].(string); ok {
		g.Description = v
	}
	if v, ok := patch["status"].(string); ok {
		g.Status = v
	}
	out := *g
	b.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"message": "Goal updated successfully!", "goal": out})
}

func (b *Backend) deleteGoal(c *gin.Context) {
	g, ok := b.ownedGoal(c)
	if !ok {
		return
	}
	b.mu.Lock()
	delete(b.goals, g.ID)
	b.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"message": "Goal deleted successfully!"})
}

func (b *Backend) updateProgress(c *gin.Context) {
	g, ok := b.ownedGoal(c)
	if !ok {
		return
	}
	var req struct {
		Progress *int `json:"progress"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Progress == nil {
		c.JSON(http.StatusBadRequest, errorBody("Progress value is required"))
		return
	}
	b.mu.Lock()
	g.CurrentProgress = *req.Progress
	if g.TargetValue != nil && *g.TargetValue > 0 {
		g.ProgressPercentage = float64(g.CurrentProgress) * 100 / float64(*g.TargetValue)
		if g.CurrentProgress >= *g.TargetValue {
			g.Status = "COMPLETED"
		}
	}
	out := *g
	b.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"message": "Progress updated successfully!", "isCompleted": out.Status == "COMPLETED", "goal": out})
}

func (b *Backend) summary(id string) gin.H {
	for _, acc := range b.accounts {
		if acc.ID == id {
			n, _ := strconv.Atoi(acc.ID)
			return gin.H{"id": n, "username": acc.Username, "firstName": acc.FirstName, "lastName": acc.LastName}
		}
	}
	return gin.H{}
}

func (b *Backend) requestBuddy(c *gin.Context) {
	goalID, err := strconv.Atoi(c.Param("goalId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody("Invalid goal id"))
		return
	}
	me := current(c).ID
	b.mu.Lock()
	defer b.mu.Unlock()
	g, ok := b.goals[goalID]
	if !ok {
		c.JSON(http.StatusBadRequest, errorBody("Goal not found"))
		return
	}
	if g.OwnerID == me {
		c.JSON(http.StatusBadRequest, errorBody("Cannot request buddy for your own goal"))
		return
	}
	b.nextRelationship++
	rel := &wireRelationship{ID: b.nextRelationship, GoalID: goalID, RequesterID: me, OwnerID: g.OwnerID, Status: "PENDING"}
	b.relationships[rel.ID] = rel
	c.JSON(http.StatusOK, gin.H{"message": "Buddy request sent successfully!", "relationshipId": rel.ID, "status": rel.Status})
}

func (b *Backend) relationshipFor(c *gin.Context) (*wireRelationship, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody("Invalid relationship id"))
		return nil, false
	}
	rel, ok := b.relationships[id]
	if !ok || rel.OwnerID != current(c).ID {
		c.JSON(http.StatusBadRequest, errorBody("Buddy request not found"))
		return nil, false
	}
	return rel, true
}

func (b *Backend) acceptBuddy(c *gin.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rel, ok := b.relationshipFor(c)
	if !ok {
		return
	}
	rel.Status = "ACTIVE"
	c.JSON(http.StatusOK, gin.H{"message": "Buddy request accepted!", "buddy": b.summary(rel.RequesterID)})
}

func (b *Backend) rejectBuddy(c *gin.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rel, ok := b.relationshipFor(c)
	if !ok {
		return
	}
	rel.Status = "REJECTED"
	c.JSON(http.StatusOK, gin.H{"message": "Buddy request rejected"})
}

func (b *Backend) myBuddies(c *gin.Context) {
	me := current(c).ID
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]gin.H, 0)
	for _, id := range sortedRelationshipIDs(b.relationships) {
		rel := b.relationships[id]
		if rel.Status != "ACTIVE" || (rel.OwnerID != me && rel.RequesterID != me) {
			continue
		}
		other := rel.OwnerID
		if other == me {
			other = rel.RequesterID
		}
		item := gin.H{"relationshipId": rel.ID, "buddy": b.summary(other), "compatibilityScore": 80, "daysActive": 1, "interactionCount": 0}
		if g, ok := b.goals[rel.GoalID]; ok {
			item["goal"] = *g
		}
		out = append(out, item)
	}
	c.JSON(http.StatusOK, gin.H{"buddies": out, "totalBuddies": len(out)})
}

func (b *Backend) pendingRequests(c *gin.Context) {
	me := current(c).ID
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]gin.H, 0)
	for _, id := range sortedRelationshipIDs(b.relationships) {
		rel := b.relationships[id]
		if rel.Status != "PENDING" || rel.OwnerID != me {
			continue
		}
		item := gin.H{"relationshipId": rel.ID, "requester": b.summary(rel.RequesterID), "compatibilityScore": 75, "requestDate": "2026-01-02T10:00:00"}
		if g, ok := b.goals[rel.GoalID]; ok {
			item["goal"] = *g
		}
		out = append(out, item)
	}
	c.JSON(http.StatusOK, gin.H{"pendingRequests": out, "totalRequests": len(out)})
}

func (b *Backend) recommendations(c *gin.Context) {
	me := current(c).ID
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]gin.H, 0)
	ids := make([]int, 0, len(b.goals))
	for id := range b.goals {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		g := b.goals[id]
		if g.OwnerID == me || !g.IsPublic {
			continue
		}
		out = append(out, gin.H{"goal": *g, "goalOwner": b.summary(g.OwnerID), "compatibilityScore": 70, "daysRemaining": 30, "progressPercentage": g.ProgressPercentage})
	}
	c.JSON(http.StatusOK, gin.H{"recommendations": out, "totalFound": len(out)})
}

func sortedRelationshipIDs(m map[int]*wireRelationship) []int {
	ids := make([]int, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}
