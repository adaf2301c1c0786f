package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/pvecloud/pvec/internal/server/db"
	"github.com/pvecloud/pvec/internal/server/eventbus"
	"github.com/pvecloud/pvec/internal/server/orchestrator"
	orchestratorevents "github.com/pvecloud/pvec/internal/server/orchestrator/events"
	"github.com/pvecloud/pvec/internal/server/policy"
	"github.com/pvecloud/pvec/internal/server/proxmox"
	"github.com/pvecloud/pvec/internal/server/registry"
	"github.com/pvecloud/pvec/internal/server/tracker"
)

// Caller identity headers. The daemon sits behind a front-end (bot,
// web UI) that has already authenticated the caller; these headers
// forward who it was.
const (
	headerUser  = "X-Pvec-User"
	headerName  = "X-Pvec-Name"
	headerRoles = "X-Pvec-Roles"
)

const contextRolesKey = "pvec.roles"
const contextUserKey = "pvec.user"

// Params configures the HTTP API router.
type Params struct {
	Logger *slog.Logger
	Engine orchestrator.Engine
	Bus    eventbus.Bus
	APIKey string
}

// New constructs the HTTP API router backed by the orchestrator engine.
func New(p Params) http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(p.Logger))

	if p.APIKey != "" {
		r.Use(apiKeyMiddleware(p.APIKey))
	}

	api := &apiServer{logger: p.Logger, engine: p.Engine, bus: p.Bus}

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := r.Group("/api/v1")
	v1.Use(api.identity)
	{
		vms := v1.Group("/vms")
		{
			vms.GET("", api.listVMs)
			vms.POST("", api.createVM)
			vms.GET(":vmid", api.getVM)
			vms.DELETE(":vmid", api.deleteVM)
			vms.POST(":vmid/start", api.startVM)
			vms.POST(":vmid/stop", api.stopVM)
			vms.POST(":vmid/shutdown", api.shutdownVM)
			vms.POST(":vmid/reboot", api.rebootVM)
			vms.POST(":vmid/resize", api.resizeVM)
			vms.POST(":vmid/migrate", api.migrateVM)
			vms.POST(":vmid/clone", api.cloneVM)
			vms.POST(":vmid/refresh", api.refreshVM)
			vms.POST(":vmid/convert", api.convertToTemplate)

			vms.GET(":vmid/snapshots", api.listSnapshots)
			vms.POST(":vmid/snapshots", api.createSnapshot)
			vms.POST(":vmid/snapshots/:name/rollback", api.rollbackSnapshot)
			vms.DELETE(":vmid/snapshots/:name", api.deleteSnapshot)

			vms.GET(":vmid/backups", api.listBackups)
			vms.POST(":vmid/backups", api.createBackup)
			vms.POST(":vmid/backups/cleanup", api.cleanupBackups)
			vms.POST(":vmid/backups/:backup/restore", api.restoreBackup)

			vms.GET(":vmid/backup-schedule", api.getBackupSchedule)
			vms.PUT(":vmid/backup-schedule", api.scheduleBackup)
			vms.DELETE(":vmid/backup-schedule", api.unscheduleBackup)

			vms.GET(":vmid/metrics", api.vmMetrics)
		}

		templates := v1.Group("/templates")
		{
			templates.GET("", api.listTemplates)
			templates.POST("/download", api.downloadTemplate)
			templates.DELETE(":name", api.deleteTemplate)
		}

		deployments := v1.Group("/deployments")
		{
			deployments.GET("", api.listDeployments)
			deployments.POST("/cleanup", api.cleanupDeployments)
			deployments.GET(":id", api.getDeployment)
			deployments.POST(":id/cancel", api.cancelDeployment)
		}

		v1.GET("/me", api.whoami)
		v1.GET("/nodes", api.listNodes)
		v1.GET("/nodes/:node/metrics", api.nodeMetrics)
		v1.GET("/alerts", api.collectAlerts)
		v1.GET("/events", api.streamEvents)
	}

	r.GET("/ws/v1/events", api.eventsWebSocket)

	return r
}

// requestLogger adapts slog to Gin's middleware interface.
func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)
		args := []any{
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", c.Writer.Status()),
			slog.String("latency", latency.String()),
			slog.String("client_ip", c.ClientIP()),
		}
		if len(c.Errors) > 0 {
			args = append(args, slog.String("error", c.Errors.String()))
			logger.Error("http request", args...)
		} else {
			logger.Info("http request", args...)
		}
	}
}

func apiKeyMiddleware(expected string) gin.HandlerFunc {
	return func(c *gin.Context) {
		provided := c.GetHeader("X-Pvec-API-Key")
		if provided == "" {
			provided = c.Query("api_key")
		}
		if provided != expected {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid api key"})
			return
		}
		c.Next()
	}
}

type apiServer struct {
	logger *slog.Logger
	engine orchestrator.Engine
	bus    eventbus.Bus
}

// identity resolves the forwarded caller into a user record. Every
// /api/v1 route requires it.
func (api *apiServer) identity(c *gin.Context) {
	externalID := strings.TrimSpace(c.GetHeader(headerUser))
	if externalID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing " + headerUser + " header"})
		return
	}
	user, err := api.engine.EnsureUser(c.Request.Context(), externalID, c.GetHeader(headerName))
	if err != nil {
		api.logger.Error("resolve user", "external_id", externalID, "error", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "failed to resolve user"})
		return
	}
	c.Set(contextUserKey, user)

	var roles []string
	for _, role := range strings.Split(c.GetHeader(headerRoles), ",") {
		if role = strings.TrimSpace(role); role != "" {
			roles = append(roles, role)
		}
	}
	c.Set(contextRolesKey, roles)
	c.Next()
}

func (api *apiServer) caller(c *gin.Context) (*db.User, []string) {
	user, _ := c.MustGet(contextUserKey).(*db.User)
	roles, _ := c.MustGet(contextRolesKey).([]string)
	return user, roles
}

func (api *apiServer) vmidParam(c *gin.Context) (int, bool) {
	vmid, err := strconv.Atoi(c.Param("vmid"))
	if err != nil || vmid <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid vmid"})
		return 0, false
	}
	return vmid, true
}

type vmResponse struct {
	ID            int64      `json:"id"`
	VMID          int        `json:"vmid"`
	Name          string     `json:"name"`
	Status        string     `json:"status"`
	Template      string     `json:"template"`
	MemoryMB      int        `json:"memory_mb"`
	Cores         int        `json:"cores"`
	DiskGB        int        `json:"disk_gb"`
	Node          string     `json:"node"`
	Storage       string     `json:"storage"`
	NetworkBridge string     `json:"network_bridge"`
	IPAddress     string     `json:"ip_address,omitempty"`
	MACAddress    string     `json:"mac_address,omitempty"`
	CreatedAt     *time.Time `json:"created_at,omitempty"`
	LastModified  *time.Time `json:"last_modified,omitempty"`
	OwnerID       int64      `json:"owner_id"`
}

func vmToResponse(vm *db.VM) vmResponse {
	if vm == nil {
		return vmResponse{}
	}
	resp := vmResponse{
		ID:            vm.ID,
		VMID:          vm.VMID,
		Name:          vm.Name,
		Status:        string(vm.Status),
		Template:      vm.Template,
		MemoryMB:      vm.MemoryMB,
		Cores:         vm.Cores,
		DiskGB:        vm.DiskGB,
		Node:          vm.Node,
		Storage:       vm.Storage,
		NetworkBridge: vm.NetworkBridge,
		IPAddress:     vm.IPAddress,
		MACAddress:    vm.MACAddress,
		OwnerID:       vm.OwnerID,
	}
	if !vm.CreatedAt.IsZero() {
		t := vm.CreatedAt
		resp.CreatedAt = &t
	}
	if !vm.LastModified.IsZero() {
		t := vm.LastModified
		resp.LastModified = &t
	}
	return resp
}

type deploymentResponse struct {
	DeploymentID string     `json:"deployment_id"`
	Type         string     `json:"type"`
	Status       string     `json:"status"`
	Progress     int        `json:"progress"`
	Error        string     `json:"error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	VMID         *int64     `json:"vm_id,omitempty"`
}

func deploymentToResponse(dep *db.Deployment) deploymentResponse {
	if dep == nil {
		return deploymentResponse{}
	}
	return deploymentResponse{
		DeploymentID: dep.DeploymentID,
		Type:         string(dep.Type),
		Status:       string(dep.Status),
		Progress:     dep.Progress,
		Error:        dep.ErrorMessage,
		CreatedAt:    dep.CreatedAt,
		CompletedAt:  dep.CompletedAt,
		VMID:         dep.VMID,
	}
}

// --- vm handlers ---

func (api *apiServer) listVMs(c *gin.Context) {
	user, _ := api.caller(c)
	all := c.Query("all") == "true"
	vms, err := api.engine.ListVMs(c.Request.Context(), user, all)
	if err != nil {
		api.fail(c, "list vms", err)
		return
	}
	resp := make([]vmResponse, 0, len(vms))
	for i := range vms {
		resp = append(resp, vmToResponse(&vms[i]))
	}
	c.JSON(http.StatusOK, resp)
}

func (api *apiServer) getVM(c *gin.Context) {
	vmid, ok := api.vmidParam(c)
	if !ok {
		return
	}
	user, _ := api.caller(c)
	vm, err := api.engine.GetVM(c.Request.Context(), user, vmid)
	if err != nil {
		api.fail(c, "get vm", err)
		return
	}
	c.JSON(http.StatusOK, vmToResponse(vm))
}

type createVMRequest struct {
	Name     string `json:"name" binding:"required"`
	Template string `json:"template" binding:"required"`
	MemoryMB int    `json:"memory_mb"`
	Cores    int    `json:"cores"`
	DiskGB   int    `json:"disk_gb"`
	Node     string `json:"node"`
}

func (api *apiServer) createVM(c *gin.Context) {
	var req createVMRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	user, roles := api.caller(c)
	dep, vm, err := api.engine.CreateVM(c.Request.Context(), user, roles, orchestrator.CreateRequest{
		Name:     req.Name,
		Template: req.Template,
		MemoryMB: req.MemoryMB,
		Cores:    req.Cores,
		DiskGB:   req.DiskGB,
		Node:     req.Node,
	})
	if err != nil {
		api.failWithDeployment(c, "create vm", dep, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"deployment": deploymentToResponse(dep),
		"vm":         vmToResponse(vm),
	})
}

func (api *apiServer) deleteVM(c *gin.Context) {
	vmid, ok := api.vmidParam(c)
	if !ok {
		return
	}
	user, roles := api.caller(c)
	dep, err := api.engine.DeleteVM(c.Request.Context(), user, roles, vmid)
	if err != nil {
		api.failWithDeployment(c, "delete vm", dep, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deployment": deploymentToResponse(dep)})
}

func (api *apiServer) startVM(c *gin.Context) {
	api.lifecycle(c, "start vm", api.engine.StartVM)
}

func (api *apiServer) stopVM(c *gin.Context) {
	api.lifecycle(c, "stop vm", api.engine.StopVM)
}

func (api *apiServer) shutdownVM(c *gin.Context) {
	api.lifecycle(c, "shutdown vm", api.engine.ShutdownVM)
}

func (api *apiServer) rebootVM(c *gin.Context) {
	api.lifecycle(c, "reboot vm", api.engine.RebootVM)
}

func (api *apiServer) lifecycle(c *gin.Context, op string, fn func(ctx context.Context, user *db.User, roles []string, vmid int) (*db.Deployment, error)) {
	vmid, ok := api.vmidParam(c)
	if !ok {
		return
	}
	user, roles := api.caller(c)
	dep, err := fn(c.Request.Context(), user, roles, vmid)
	if err != nil {
		api.failWithDeployment(c, op, dep, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deployment": deploymentToResponse(dep)})
}

type resizeRequest struct {
	DiskGB int `json:"disk_gb" binding:"required,min=1"`
}

func (api *apiServer) resizeVM(c *gin.Context) {
	vmid, ok := api.vmidParam(c)
	if !ok {
		return
	}
	var req resizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	user, roles := api.caller(c)
	dep, err := api.engine.ResizeDisk(c.Request.Context(), user, roles, vmid, req.DiskGB)
	if err != nil {
		api.failWithDeployment(c, "resize vm", dep, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deployment": deploymentToResponse(dep)})
}

type migrateRequest struct {
	Target string `json:"target" binding:"required"`
}

func (api *apiServer) migrateVM(c *gin.Context) {
	vmid, ok := api.vmidParam(c)
	if !ok {
		return
	}
	var req migrateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	user, roles := api.caller(c)
	dep, err := api.engine.MigrateVM(c.Request.Context(), user, roles, vmid, req.Target)
	if err != nil {
		api.failWithDeployment(c, "migrate vm", dep, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deployment": deploymentToResponse(dep)})
}

type cloneRequest struct {
	Name string `json:"name" binding:"required"`
}

func (api *apiServer) cloneVM(c *gin.Context) {
	vmid, ok := api.vmidParam(c)
	if !ok {
		return
	}
	var req cloneRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	user, roles := api.caller(c)
	dep, vm, err := api.engine.CloneVM(c.Request.Context(), user, roles, vmid, req.Name)
	if err != nil {
		api.failWithDeployment(c, "clone vm", dep, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"deployment": deploymentToResponse(dep),
		"vm":         vmToResponse(vm),
	})
}

func (api *apiServer) refreshVM(c *gin.Context) {
	vmid, ok := api.vmidParam(c)
	if !ok {
		return
	}
	user, _ := api.caller(c)
	vm, err := api.engine.RefreshVMStatus(c.Request.Context(), user, vmid)
	if err != nil {
		api.fail(c, "refresh vm", err)
		return
	}
	c.JSON(http.StatusOK, vmToResponse(vm))
}

// --- snapshot handlers ---

type snapshotRequest struct {
	Name        string `json:"name" binding:"required"`
	Description string `json:"description"`
}

func (api *apiServer) createSnapshot(c *gin.Context) {
	vmid, ok := api.vmidParam(c)
	if !ok {
		return
	}
	var req snapshotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	user, roles := api.caller(c)
	dep, err := api.engine.CreateSnapshot(c.Request.Context(), user, roles, vmid, req.Name, req.Description)
	if err != nil {
		api.failWithDeployment(c, "create snapshot", dep, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"deployment": deploymentToResponse(dep)})
}

func (api *apiServer) listSnapshots(c *gin.Context) {
	vmid, ok := api.vmidParam(c)
	if !ok {
		return
	}
	user, _ := api.caller(c)
	snaps, err := api.engine.ListSnapshots(c.Request.Context(), user, vmid)
	if err != nil {
		api.fail(c, "list snapshots", err)
		return
	}
	resp := make([]gin.H, 0, len(snaps))
	for _, s := range snaps {
		resp = append(resp, gin.H{
			"name":        s.Name,
			"description": s.Description,
			"created_at":  s.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, resp)
}

func (api *apiServer) rollbackSnapshot(c *gin.Context) {
	vmid, ok := api.vmidParam(c)
	if !ok {
		return
	}
	user, roles := api.caller(c)
	dep, err := api.engine.RollbackSnapshot(c.Request.Context(), user, roles, vmid, c.Param("name"))
	if err != nil {
		api.failWithDeployment(c, "rollback snapshot", dep, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deployment": deploymentToResponse(dep)})
}

func (api *apiServer) deleteSnapshot(c *gin.Context) {
	vmid, ok := api.vmidParam(c)
	if !ok {
		return
	}
	user, roles := api.caller(c)
	dep, err := api.engine.DeleteSnapshot(c.Request.Context(), user, roles, vmid, c.Param("name"))
	if err != nil {
		api.failWithDeployment(c, "delete snapshot", dep, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deployment": deploymentToResponse(dep)})
}

// --- backup handlers ---

func (api *apiServer) createBackup(c *gin.Context) {
	vmid, ok := api.vmidParam(c)
	if !ok {
		return
	}
	user, roles := api.caller(c)
	dep, err := api.engine.CreateBackup(c.Request.Context(), user, roles, vmid)
	if err != nil {
		api.failWithDeployment(c, "create backup", dep, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"deployment": deploymentToResponse(dep)})
}

func (api *apiServer) listBackups(c *gin.Context) {
	vmid, ok := api.vmidParam(c)
	if !ok {
		return
	}
	user, _ := api.caller(c)
	backups, err := api.engine.ListBackups(c.Request.Context(), user, vmid)
	if err != nil {
		api.fail(c, "list backups", err)
		return
	}
	resp := make([]gin.H, 0, len(backups))
	for _, b := range backups {
		resp = append(resp, gin.H{
			"backup_id":  b.BackupID,
			"type":       b.Type,
			"status":     b.Status,
			"size_bytes": b.SizeBytes,
			"created_at": b.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, resp)
}

func (api *apiServer) cleanupBackups(c *gin.Context) {
	vmid, ok := api.vmidParam(c)
	if !ok {
		return
	}
	user, roles := api.caller(c)
	removed, err := api.engine.CleanupBackups(c.Request.Context(), user, roles, vmid)
	if err != nil {
		api.fail(c, "cleanup backups", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

func (api *apiServer) restoreBackup(c *gin.Context) {
	vmid, ok := api.vmidParam(c)
	if !ok {
		return
	}
	user, roles := api.caller(c)
	dep, err := api.engine.RestoreBackup(c.Request.Context(), user, roles, vmid, c.Param("backup"))
	if err != nil {
		api.failWithDeployment(c, "restore backup", dep, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deployment": deploymentToResponse(dep)})
}

// --- backup schedule handlers ---

type scheduleBackupRequest struct {
	Every     string `json:"every" binding:"required"`
	Retention int    `json:"retention"`
	Compress  string `json:"compress"`
}

func (api *apiServer) scheduleBackup(c *gin.Context) {
	vmid, ok := api.vmidParam(c)
	if !ok {
		return
	}
	var req scheduleBackupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	every, err := time.ParseDuration(req.Every)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid interval %q: %v", req.Every, err)})
		return
	}
	user, roles := api.caller(c)
	sched, err := api.engine.ScheduleBackup(c.Request.Context(), user, roles, vmid, every, req.Retention, req.Compress)
	if err != nil {
		api.fail(c, "schedule backup", err)
		return
	}
	c.JSON(http.StatusOK, scheduleToResponse(sched))
}

func (api *apiServer) getBackupSchedule(c *gin.Context) {
	vmid, ok := api.vmidParam(c)
	if !ok {
		return
	}
	user, _ := api.caller(c)
	sched, err := api.engine.GetBackupSchedule(c.Request.Context(), user, vmid)
	if err != nil {
		api.fail(c, "get backup schedule", err)
		return
	}
	c.JSON(http.StatusOK, scheduleToResponse(sched))
}

func (api *apiServer) unscheduleBackup(c *gin.Context) {
	vmid, ok := api.vmidParam(c)
	if !ok {
		return
	}
	user, roles := api.caller(c)
	if err := api.engine.UnscheduleBackup(c.Request.Context(), user, roles, vmid); err != nil {
		api.fail(c, "unschedule backup", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": true})
}

func scheduleToResponse(s *db.BackupSchedule) gin.H {
	resp := gin.H{
		"every":      s.Interval.String(),
		"retention":  s.Retention,
		"compress":   s.Compress,
		"enabled":    s.Enabled,
		"next_run":   s.NextRun,
		"created_at": s.CreatedAt,
	}
	if s.LastRun != nil {
		resp["last_run"] = *s.LastRun
	}
	return resp
}

// --- template handlers ---

func (api *apiServer) listTemplates(c *gin.Context) {
	templates, err := api.engine.ListTemplates(c.Request.Context())
	if err != nil {
		api.fail(c, "list templates", err)
		return
	}
	resp := make([]gin.H, 0, len(templates))
	for _, t := range templates {
		resp = append(resp, templateToResponse(t))
	}
	c.JSON(http.StatusOK, resp)
}

func templateToResponse(t registry.TemplateInfo) gin.H {
	return gin.H{
		"name":          t.Name,
		"display_name":  t.DisplayName,
		"file":          t.File,
		"min_memory_mb": t.MinMemoryMB,
		"min_cores":     t.MinCores,
		"min_disk_gb":   t.MinDiskGB,
		"default_user":  t.DefaultUser,
		"ssh_port":      t.SSHPort,
		"built_in":      t.BuiltIn,
	}
}

type downloadTemplateRequest struct {
	Node     string `json:"node" binding:"required"`
	Storage  string `json:"storage" binding:"required"`
	Filename string `json:"filename" binding:"required"`
}

func (api *apiServer) downloadTemplate(c *gin.Context) {
	var req downloadTemplateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	user, _ := api.caller(c)
	dep, err := api.engine.DownloadTemplate(c.Request.Context(), user, req.Node, req.Storage, req.Filename)
	if err != nil {
		api.failWithDeployment(c, "download template", dep, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"deployment": deploymentToResponse(dep)})
}

type convertRequest struct {
	Name string `json:"name" binding:"required"`
}

func (api *apiServer) convertToTemplate(c *gin.Context) {
	vmid, ok := api.vmidParam(c)
	if !ok {
		return
	}
	var req convertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	user, roles := api.caller(c)
	dep, err := api.engine.ConvertToTemplate(c.Request.Context(), user, roles, vmid, req.Name)
	if err != nil {
		api.failWithDeployment(c, "convert to template", dep, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"deployment": deploymentToResponse(dep)})
}

func (api *apiServer) deleteTemplate(c *gin.Context) {
	user, _ := api.caller(c)
	if err := api.engine.DeleteTemplate(c.Request.Context(), user, c.Param("name")); err != nil {
		api.fail(c, "delete template", err)
		return
	}
	c.Status(http.StatusNoContent)
}

// --- deployment handlers ---

func (api *apiServer) listDeployments(c *gin.Context) {
	user, _ := api.caller(c)
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	deps, err := api.engine.ListDeployments(c.Request.Context(), user, limit)
	if err != nil {
		api.fail(c, "list deployments", err)
		return
	}
	resp := make([]deploymentResponse, 0, len(deps))
	for i := range deps {
		resp = append(resp, deploymentToResponse(&deps[i]))
	}
	c.JSON(http.StatusOK, resp)
}

func (api *apiServer) getDeployment(c *gin.Context) {
	user, _ := api.caller(c)
	dep, err := api.engine.GetDeployment(c.Request.Context(), user, c.Param("id"))
	if err != nil {
		api.fail(c, "get deployment", err)
		return
	}
	c.JSON(http.StatusOK, deploymentToResponse(dep))
}

func (api *apiServer) cancelDeployment(c *gin.Context) {
	user, _ := api.caller(c)
	dep, err := api.engine.CancelDeployment(c.Request.Context(), user, c.Param("id"))
	if err != nil {
		api.fail(c, "cancel deployment", err)
		return
	}
	c.JSON(http.StatusOK, deploymentToResponse(dep))
}

func (api *apiServer) cleanupDeployments(c *gin.Context) {
	user, _ := api.caller(c)
	olderThan := 24 * time.Hour
	if raw := c.Query("older_than"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid older_than duration"})
			return
		}
		olderThan = d
	}
	removed, err := api.engine.CleanupDeployments(c.Request.Context(), user, olderThan)
	if err != nil {
		api.fail(c, "cleanup deployments", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

// whoami reports the resolved caller and their usage.
func (api *apiServer) whoami(c *gin.Context) {
	user, _ := api.caller(c)
	vms, err := api.engine.ListVMs(c.Request.Context(), user, false)
	if err != nil {
		api.fail(c, "whoami vms", err)
		return
	}
	deps, err := api.engine.ListDeployments(c.Request.Context(), user, 10)
	if err != nil {
		api.fail(c, "whoami deployments", err)
		return
	}
	recent := make([]deploymentResponse, 0, len(deps))
	for i := range deps {
		recent = append(recent, deploymentToResponse(&deps[i]))
	}
	c.JSON(http.StatusOK, gin.H{
		"external_id":        user.ExternalID,
		"display_name":       user.DisplayName,
		"is_admin":           user.IsAdmin,
		"vm_count":           len(vms),
		"recent_deployments": recent,
	})
}

// --- cluster handlers ---

func (api *apiServer) listNodes(c *gin.Context) {
	nodes, err := api.engine.Nodes(c.Request.Context())
	if err != nil {
		api.fail(c, "list nodes", err)
		return
	}
	resp := make([]gin.H, 0, len(nodes))
	for _, n := range nodes {
		resp = append(resp, gin.H{
			"name":            n.Name,
			"status":          n.Status,
			"cpu_cores":       n.CPUCores,
			"memory_total_mb": n.MemoryTotalMB,
			"memory_used_mb":  n.MemoryUsedMB,
			"disk_total_gb":   n.DiskTotalGB,
			"disk_used_gb":    n.DiskUsedGB,
			"last_updated":    n.LastUpdated,
		})
	}
	c.JSON(http.StatusOK, resp)
}

func (api *apiServer) nodeMetrics(c *gin.Context) {
	metrics, err := api.engine.NodeMetrics(c.Request.Context(), c.Param("node"))
	if err != nil {
		api.fail(c, "node metrics", err)
		return
	}
	c.JSON(http.StatusOK, metrics)
}

func (api *apiServer) vmMetrics(c *gin.Context) {
	vmid, ok := api.vmidParam(c)
	if !ok {
		return
	}
	user, _ := api.caller(c)
	series, err := api.engine.VMMetrics(c.Request.Context(), user, vmid)
	if err != nil {
		api.fail(c, "vm metrics", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"vmid": vmid, "series": series})
}

func (api *apiServer) collectAlerts(c *gin.Context) {
	alerts, err := api.engine.CollectAlerts(c.Request.Context())
	if err != nil {
		api.fail(c, "collect alerts", err)
		return
	}
	c.JSON(http.StatusOK, alerts)
}

// --- event streaming ---

// streamTopics are fanned into every SSE and WebSocket subscriber.
var streamTopics = []string{
	eventbus.TopicDeployments,
	eventbus.TopicVMs,
	eventbus.TopicAlerts,
}

func (api *apiServer) subscribeAll(ch chan any) (func(), error) {
	var unsubs []func()
	for _, topic := range streamTopics {
		unsub, err := api.bus.Subscribe(topic, ch)
		if err != nil {
			for _, u := range unsubs {
				u()
			}
			return nil, err
		}
		unsubs = append(unsubs, unsub)
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}, nil
}

func eventName(payload any) string {
	switch ev := payload.(type) {
	case orchestratorevents.DeploymentEvent:
		return string(ev.Type)
	case orchestratorevents.VMEvent:
		return string(ev.Type)
	case orchestratorevents.Alert:
		return string(ev.Type)
	default:
		return "message"
	}
}

func (api *apiServer) streamEvents(c *gin.Context) {
	if api.bus == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event streaming not available"})
		return
	}
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
		return
	}

	ctx := c.Request.Context()
	eventsCh := make(chan any, 16)
	unsubscribe, err := api.subscribeAll(eventsCh)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to subscribe"})
		return
	}
	defer unsubscribe()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-eventsCh:
			if payload == nil {
				continue
			}
			data, err := json.Marshal(payload)
			if err != nil {
				api.logger.Error("marshal event", "error", err)
				continue
			}
			if _, err := c.Writer.Write([]byte("event: " + eventName(payload) + "\n")); err != nil {
				return
			}
			if _, err := c.Writer.Write([]byte("data: " + string(data) + "\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (api *apiServer) eventsWebSocket(c *gin.Context) {
	conn, err := (&websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}).Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		api.logger.Error("ws upgrade", "error", err)
		return
	}
	defer conn.Close()

	ctx := c.Request.Context()
	eventsCh := make(chan any, 16)
	unsubscribe, err := api.subscribeAll(eventsCh)
	if err != nil {
		api.logger.Error("ws subscribe", "error", err)
		return
	}
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-eventsCh:
			if payload == nil {
				continue
			}
			if err := conn.WriteJSON(gin.H{"event": eventName(payload), "data": payload}); err != nil {
				return
			}
		}
	}
}

// --- error mapping ---

func (api *apiServer) fail(c *gin.Context, op string, err error) {
	api.logger.Error(op, "error", err)
	c.JSON(statusFromError(err), gin.H{"error": err.Error()})
}

// failWithDeployment attaches the failed deployment record, when one
// exists, so the caller can correlate.
func (api *apiServer) failWithDeployment(c *gin.Context, op string, dep *db.Deployment, err error) {
	api.logger.Error(op, "error", err)
	body := gin.H{"error": err.Error()}
	if dep != nil {
		body["deployment"] = deploymentToResponse(dep)
	}
	c.JSON(statusFromError(err), body)
}

func statusFromError(err error) int {
	var (
		busy    *tracker.VMBusyError
		quota   *policy.QuotaExceededError
		floor   *policy.ResourceBelowMinimumError
		remote  *proxmox.RemoteAPIError
		timeout *proxmox.TaskTimeoutError
	)
	switch {
	case errors.Is(err, orchestrator.ErrVMNotFound),
		errors.Is(err, tracker.ErrDeploymentNotFound),
		errors.Is(err, registry.ErrTemplateNotFound),
		errors.Is(err, orchestrator.ErrBackupNotFound),
		errors.Is(err, orchestrator.ErrBackupScheduleNotFound):
		return http.StatusNotFound
	case errors.Is(err, policy.ErrNotAuthorized), errors.Is(err, policy.ErrNotOwner):
		return http.StatusForbidden
	case errors.As(err, &busy), errors.Is(err, tracker.ErrDeploymentFinal):
		return http.StatusConflict
	case errors.As(err, &quota), errors.As(err, &floor),
		errors.Is(err, orchestrator.ErrNotShrinkable),
		errors.Is(err, orchestrator.ErrUnknownNode),
		errors.Is(err, orchestrator.ErrNoNodesAvailable):
		return http.StatusUnprocessableEntity
	case errors.Is(err, proxmox.ErrGatewayUnavailable), errors.Is(err, proxmox.ErrNotConnected):
		return http.StatusBadGateway
	case errors.As(err, &timeout):
		return http.StatusGatewayTimeout
	case errors.As(err, &remote):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
