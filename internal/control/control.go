// Package control implements the HTTP control plane (C10): auth,
// device and route CRUD, the five route-creation pipelines, stream
// lifecycle, geocoding, health, and the /metrics mount. Grounded on
// the teacher's middleware-driven Echo wiring (internal/middleware) —
// this package supplies the handlers the teacher expressed as GraphQL
// resolvers instead, as plain REST endpoints per the documented wire
// contract.
package control

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"backend/internal/apperr"
	"backend/internal/auth"
	"backend/internal/common/ulid"
	"backend/internal/gpx"
	"backend/internal/kv"
	"backend/internal/metrics"
	mw "backend/internal/middleware"
	"backend/internal/ors"
	"backend/internal/routesafety"
	"backend/internal/scheduler"
	"backend/internal/store"
	"backend/pkg/health"
)

// Deps are the services the control plane's handlers are wired to.
type Deps struct {
	Store       *store.Store
	KV          kv.Store
	Auth        *auth.Service
	JWT         *auth.JWTService
	Scheduler   *scheduler.Scheduler
	ORS         *ors.Client
	Metrics     *metrics.Registry
	RouteSafety routesafety.Config
	SafetyOn    bool
	Log         *zap.Logger
}

const enrollCodeTTL = 600 * time.Second

// Register mounts every route named in §6 onto e.
func Register(e *echo.Echo, d Deps) {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}

	e.GET("/health", d.health)
	if d.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(d.Metrics.Handler()))
	}

	e.POST("/api/auth/login", d.login)

	devices := e.Group("/api/devices")
	devices.POST("/register", d.registerDevice)
	devices.POST("/enroll", d.enrollDevice)
	devices.POST("/activate", d.activateDevice)
	devices.GET("", d.listDevices)
	devices.GET("/:id", d.getDevice)
	devices.DELETE("/:id", d.deleteDevice)
	devices.PUT("/:id/route", d.assignRoute)

	routes := e.Group("/api/routes")
	routes.POST("/from-points", d.createFromPoints)
	routes.POST("/from-gpx", d.createFromGPX)
	routes.POST("/from-addresses", d.createFromAddresses)
	routes.POST("/from-addresses-with-stops", d.createFromAddressesWithStops)
	routes.POST("/from-waypoints", d.createFromWaypoints)
	routes.GET("", d.listRoutes)
	routes.GET("/:id", d.getRoute)
	routes.PUT("/:id/config", d.updateRouteConfig)
	routes.DELETE("/:id", d.deleteRoute)

	stream := e.Group("/api/stream")
	stream.POST("/start", d.streamStart)
	stream.POST("/pause", d.streamPause)
	stream.POST("/resume", d.streamResume)
	stream.POST("/stop", d.streamStop)
	stream.POST("/skip-dwell", d.streamSkipDwell)
	stream.POST("/extend-dwell", d.streamExtendDwell)
	stream.GET("/status/:deviceId", d.streamStatus)
	stream.GET("/all", d.streamAll)
	stream.GET("/history/:deviceId", d.streamHistory)

	e.GET("/api/geocode/autocomplete", d.geocodeAutocomplete)
}

// --- response envelope -----------------------------------------------

func respondError(c echo.Context, err error) error {
	cat, _ := apperr.CategoryOf(err)
	status := http.StatusInternalServerError
	if ae, ok := err.(*apperr.Error); ok {
		status = ae.HTTPStatus()
	}
	body := map[string]any{"success": false, "error": err.Error()}
	if cat == apperr.CategoryValidation || cat == apperr.CategoryInvalidRouteGeometry || cat == apperr.CategoryInvalidRouteSpikes {
		body["details"] = err.Error()
	}
	return c.JSON(status, body)
}

func (d Deps) health(c echo.Context) error {
	agg := health.NewAggregator(
		health.NewDBProbe(d.Store.DB()),
		health.NewKVProbe(d.KV),
	)
	result := agg.Check(c.Request().Context())

	status := http.StatusOK
	if result.Status != health.StatusHealthy {
		status = http.StatusServiceUnavailable
	}
	probes := make(map[string]any, len(result.Probes))
	for _, p := range result.Probes {
		entry := map[string]any{"healthy": p.Healthy, "latencyMs": p.Latency.Milliseconds()}
		if p.Error != nil {
			entry["error"] = p.Error.Error()
		}
		probes[p.Name] = entry
	}
	return c.JSON(status, map[string]any{"status": string(result.Status), "probes": probes})
}

// --- auth --------------------------------------------------------------

func (d Deps) login(c echo.Context) error {
	var body struct {
		Username string `json:"username" validate:"required"`
		Password string `json:"password" validate:"required"`
	}
	if err := c.Bind(&body); err != nil {
		return respondError(c, apperr.Validation("malformed login body"))
	}
	if err := c.Validate(&body); err != nil {
		return respondError(c, apperr.Validation("username and password are required"))
	}
	result, err := d.Auth.Login(c.Request().Context(), auth.LoginInput{
		Username: body.Username, Password: body.Password,
		IP: c.RealIP(), UserAgent: c.Request().UserAgent(),
	})
	if err != nil {
		if d.Metrics != nil {
			d.Metrics.AuthFailures.WithLabelValues("invalid_credentials").Inc()
		}
		return respondError(c, apperr.AuthFailed("invalid username or password"))
	}
	return c.JSON(http.StatusOK, map[string]any{
		"token": result.Token, "expiresAt": result.ExpiresAt, "user": result.User,
	})
}

// --- devices -------------------------------------------------------------

func (d Deps) registerDevice(c echo.Context) error {
	user := mw.UserFromContext(c.Request().Context())
	if user == nil {
		return respondError(c, apperr.AuthRequired("authentication required"))
	}
	var body struct {
		DeviceID   string `json:"deviceId"`
		Platform   string `json:"platform"`
		AppVersion string `json:"appVersion"`
		Label      string `json:"label"`
	}
	if err := c.Bind(&body); err != nil || body.DeviceID == "" {
		return respondError(c, apperr.Validation("deviceId is required"))
	}
	dev := &store.Device{
		DeviceID: body.DeviceID, OwnerUserID: user.ID,
		Platform: body.Platform, AppVersion: body.AppVersion,
		LastSeenAt: time.Now(), LastIP: strPtr(c.RealIP()),
	}
	if body.Label != "" {
		dev.Label = &body.Label
	}
	if err := d.Store.UpsertDevice(c.Request().Context(), dev); err != nil {
		return respondError(c, apperr.Internal(err, "register device"))
	}
	return c.JSON(http.StatusOK, dev)
}

func (d Deps) enrollDevice(c echo.Context) error {
	user := mw.UserFromContext(c.Request().Context())
	if user == nil {
		return respondError(c, apperr.AuthRequired("authentication required"))
	}
	code, err := randomDigits(6)
	if err != nil {
		return respondError(c, apperr.Internal(err, "generate enroll code"))
	}
	if err := d.KV.Set(c.Request().Context(), "enroll:"+code, []byte(user.ID), enrollCodeTTL); err != nil {
		return respondError(c, apperr.Internal(err, "store enroll code"))
	}
	return c.JSON(http.StatusOK, map[string]any{"code": code, "expiresInSeconds": int(enrollCodeTTL.Seconds())})
}

func (d Deps) activateDevice(c echo.Context) error {
	var body struct {
		Code       string `json:"code"`
		DeviceID   string `json:"deviceId"`
		Platform   string `json:"platform"`
		AppVersion string `json:"appVersion"`
	}
	if err := c.Bind(&body); err != nil || body.Code == "" {
		return respondError(c, apperr.Validation("code is required"))
	}

	ctx := c.Request().Context()
	ownerBytes, ok, err := d.KV.Get(ctx, "enroll:"+body.Code)
	if err != nil || !ok {
		return respondError(c, apperr.AuthFailed("enroll code invalid or expired"))
	}
	_ = d.KV.Delete(ctx, "enroll:"+body.Code)
	ownerUserID := string(ownerBytes)

	deviceID := body.DeviceID
	if deviceID == "" {
		deviceID = ulid.NewString()
	}
	dev := &store.Device{
		DeviceID: deviceID, OwnerUserID: ownerUserID,
		Platform: body.Platform, AppVersion: body.AppVersion,
		LastSeenAt: time.Now(), LastIP: strPtr(c.RealIP()),
	}
	if err := d.Store.UpsertDevice(ctx, dev); err != nil {
		return respondError(c, apperr.Internal(err, "activate device"))
	}

	token, expiresAt, err := d.JWT.GenerateDeviceToken(auth.DeviceTokenInput{DeviceID: deviceID, OwnerUserID: ownerUserID}, 0)
	if err != nil {
		return respondError(c, apperr.Internal(err, "generate device token"))
	}
	return c.JSON(http.StatusOK, map[string]any{"deviceId": deviceID, "token": token, "expiresAt": expiresAt})
}

func (d Deps) listDevices(c echo.Context) error {
	page, _ := strconv.Atoi(c.QueryParam("page"))
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	if page <= 0 {
		page = 1
	}
	if limit <= 0 {
		limit = 50
	}
	var activeWithin *int
	if v := c.QueryParam("activeWithinSeconds"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			activeWithin = &n
		}
	}
	devs, err := d.Store.ListDevices(c.Request().Context(), page, limit, activeWithin)
	if err != nil {
		return respondError(c, apperr.Internal(err, "list devices"))
	}
	return c.JSON(http.StatusOK, map[string]any{"devices": devs, "page": page, "limit": limit})
}

func (d Deps) getDevice(c echo.Context) error {
	dev, err := d.Store.GetDevice(c.Request().Context(), c.Param("id"))
	if err != nil {
		return respondError(c, apperr.NotFound("device %s not found", c.Param("id")))
	}
	return c.JSON(http.StatusOK, dev)
}

func (d Deps) deleteDevice(c echo.Context) error {
	id := c.Param("id")
	if _, err := d.Store.GetDevice(c.Request().Context(), id); err != nil {
		return respondError(c, apperr.NotFound("device %s not found", id))
	}
	if err := d.Store.DeleteDeviceCascade(c.Request().Context(), id); err != nil {
		return respondError(c, apperr.Internal(err, "delete device"))
	}
	return c.JSON(http.StatusOK, map[string]any{"success": true})
}

func (d Deps) assignRoute(c echo.Context) error {
	id := c.Param("id")
	var body struct {
		RouteID *string `json:"routeId"`
	}
	if err := c.Bind(&body); err != nil {
		return respondError(c, apperr.Validation("malformed body"))
	}
	if err := d.Store.AssignRoute(c.Request().Context(), id, body.RouteID); err != nil {
		return respondError(c, apperr.NotFound("device %s not found", id))
	}
	return c.JSON(http.StatusOK, map[string]any{"success": true})
}

// --- route creation pipeline --------------------------------------------

func (d Deps) safetyConfig() routesafety.Config { return d.RouteSafety }

// gate runs the Route Safety Gate when enabled, otherwise returns the
// input points unchanged.
func (d Deps) gate(points []routesafety.Point) ([]routesafety.Point, error) {
	if !d.SafetyOn {
		return points, nil
	}
	return routesafety.Gate(points, d.safetyConfig())
}

func (d Deps) persistRoute(c echo.Context, name string, source store.SourceType, profile string, points []routesafety.Point) (*store.Route, error) {
	return d.persistRouteWithExtra(c, name, source, profile, points, nil)
}

func (d Deps) persistRouteWithExtra(c echo.Context, name string, source store.SourceType, profile string, points []routesafety.Point, extra map[string]any) (*store.Route, error) {
	user := mw.UserFromContext(c.Request().Context())
	if user == nil {
		return nil, apperr.AuthRequired("authentication required")
	}
	cfg := store.DefaultRouteConfig()
	if extra != nil {
		cfg.Extra = extra
	}
	rt := &store.Route{
		ID: ulid.NewString(), OwnerUserID: user.ID, Name: name,
		SourceType: source, Profile: profile, Config: cfg,
		CreatedAt: time.Now(),
	}
	rps := make([]store.RoutePoint, len(points))
	for i, p := range points {
		rps[i] = store.RoutePoint{RouteID: rt.ID, Seq: i, Lat: p.Lat, Lng: p.Lng, DwellSeconds: p.DwellSeconds}
	}
	if err := d.Store.CreateRoute(c.Request().Context(), rt, rps, nil); err != nil {
		return nil, apperr.Internal(err, "persist route")
	}
	d.appendAudit(c.Request().Context(), "route.create", &user.ID, nil, map[string]any{"routeId": rt.ID, "source": string(source)})
	return rt, nil
}

func (d Deps) createFromPoints(c echo.Context) error {
	var body struct {
		Name   string `json:"name"`
		Points []struct {
			Lat          float64 `json:"lat" validate:"min=-90,max=90"`
			Lng          float64 `json:"lng" validate:"min=-180,max=180"`
			DwellSeconds float64 `json:"dwellSeconds" validate:"min=0"`
		} `json:"points" validate:"min=2,dive"`
	}
	if err := c.Bind(&body); err != nil {
		return respondError(c, apperr.Validation("malformed body"))
	}
	if err := c.Validate(&body); err != nil {
		return respondError(c, apperr.Validation("at least two in-range points are required").WithDetails(err.Error()))
	}
	pts := make([]routesafety.Point, len(body.Points))
	for i, p := range body.Points {
		pts[i] = routesafety.Point{Lat: p.Lat, Lng: p.Lng, DwellSeconds: p.DwellSeconds}
	}
	gated, err := d.gate(pts)
	if err != nil {
		return respondError(c, err)
	}
	rt, err := d.persistRoute(c, body.Name, store.SourcePoints, "", gated)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusCreated, rt)
}

func (d Deps) createFromGPX(c echo.Context) error {
	var body struct {
		Name       string `json:"name"`
		GPXContent string `json:"gpxContent"`
	}
	if err := c.Bind(&body); err != nil || body.GPXContent == "" {
		return respondError(c, apperr.Validation("gpxContent is required"))
	}
	res, err := gpx.Parse([]byte(body.GPXContent))
	if err != nil {
		return respondError(c, apperr.Validation("invalid gpx document: %v", err))
	}
	if len(res.Points) < 2 {
		return respondError(c, apperr.InvalidRouteGeometry("gpx file yielded fewer than two valid points (dropped %d)", res.Dropped))
	}
	pts := make([]routesafety.Point, len(res.Points))
	for i, p := range res.Points {
		pts[i] = routesafety.Point{Lat: p.Lat, Lng: p.Lng}
	}
	gated, err := d.gate(pts)
	if err != nil {
		return respondError(c, err)
	}
	rt, err := d.persistRoute(c, body.Name, store.SourceGPX, "", gated)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusCreated, rt)
}

func (d Deps) resolveText(ctx context.Context, text string) (ors.Place, error) {
	places, err := d.ORS.Geocode(ctx, text)
	if err != nil {
		return ors.Place{}, err
	}
	if len(places) == 0 {
		return ors.Place{}, apperr.Validation("no match for %q", text)
	}
	return places[0], nil
}

func (d Deps) createFromAddresses(c echo.Context) error {
	var body struct {
		OriginText         string  `json:"originText"`
		DestinationText    string  `json:"destinationText"`
		Profile            string  `json:"profile"`
		PointSpacingMeters float64 `json:"pointSpacingMeters"`
		WaitAtEndSeconds   float64 `json:"waitAtEndSeconds"`
	}
	if err := c.Bind(&body); err != nil || body.OriginText == "" || body.DestinationText == "" {
		return respondError(c, apperr.Validation("originText and destinationText are required"))
	}
	if body.Profile == "" {
		body.Profile = "driving-car"
	}
	ctx := c.Request().Context()

	origin, err := d.resolveText(ctx, body.OriginText)
	if err != nil {
		return respondError(c, err)
	}
	dest, err := d.resolveText(ctx, body.DestinationText)
	if err != nil {
		return respondError(c, err)
	}

	geometry, err := d.ORS.Directions(ctx, body.Profile, [][2]float64{{origin.Lng, origin.Lat}, {dest.Lng, dest.Lat}})
	if err != nil {
		return respondError(c, err)
	}
	pts := make([]routesafety.Point, len(geometry))
	for i, p := range geometry {
		pts[i] = routesafety.Point{Lat: p.Lat, Lng: p.Lng}
	}
	if len(pts) > 0 && body.WaitAtEndSeconds > 0 {
		pts[len(pts)-1].DwellSeconds = body.WaitAtEndSeconds
	}
	gated, err := d.gate(pts)
	if err != nil {
		return respondError(c, err)
	}
	name := fmt.Sprintf("%s -> %s", body.OriginText, body.DestinationText)
	rt, err := d.persistRoute(c, name, store.SourceORS, body.Profile, gated)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusCreated, rt)
}

func (d Deps) createFromAddressesWithStops(c echo.Context) error {
	var body struct {
		Stops []struct {
			Text string `json:"text"`
		} `json:"stops"`
		Profile            string  `json:"profile"`
		PointSpacingMeters float64 `json:"pointSpacingMeters"`
	}
	if err := c.Bind(&body); err != nil || len(body.Stops) < 2 {
		return respondError(c, apperr.Validation("at least two stops are required"))
	}
	if body.Profile == "" {
		body.Profile = "driving-car"
	}
	ctx := c.Request().Context()

	coords := make([][2]float64, len(body.Stops))
	for i, s := range body.Stops {
		place, err := d.resolveText(ctx, s.Text)
		if err != nil {
			return respondError(c, err)
		}
		coords[i] = [2]float64{place.Lng, place.Lat}
	}
	geometry, err := d.ORS.Directions(ctx, body.Profile, coords)
	if err != nil {
		return respondError(c, err)
	}
	pts := make([]routesafety.Point, len(geometry))
	for i, p := range geometry {
		pts[i] = routesafety.Point{Lat: p.Lat, Lng: p.Lng}
	}
	gated, err := d.gate(pts)
	if err != nil {
		return respondError(c, err)
	}
	rt, err := d.persistRoute(c, "route with stops", store.SourceORSStops, body.Profile, gated)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusCreated, rt)
}

func (d Deps) createFromWaypoints(c echo.Context) error {
	var body struct {
		Waypoints []struct {
			Lat  float64 `json:"lat"`
			Lng  float64 `json:"lng"`
			Kind string  `json:"kind"`
		} `json:"waypoints"`
		Profile            string  `json:"profile"`
		PointSpacingMeters float64 `json:"pointSpacingMeters"`
	}
	raw, err := readBody(c)
	if err != nil {
		return respondError(c, apperr.Validation("malformed body"))
	}
	if err := json.Unmarshal(raw, &body); err != nil || len(body.Waypoints) < 2 {
		return respondError(c, apperr.Validation("at least two waypoints are required"))
	}
	if body.Profile == "" {
		body.Profile = "driving-car"
	}

	user := mw.UserFromContext(c.Request().Context())
	if user == nil {
		return respondError(c, apperr.AuthRequired("authentication required"))
	}

	idemKey := c.Request().Header.Get("X-Idempotency-Key")
	if idemKey == "" {
		sum := sha256.Sum256(raw)
		idemKey = hex.EncodeToString(sum[:])
	}
	ctx := c.Request().Context()
	if existing, err := d.Store.FindRecentIdempotentRoute(ctx, user.ID, idemKey, 600*time.Second); err == nil && existing != nil {
		return c.JSON(http.StatusCreated, existing)
	}

	coords := make([][2]float64, len(body.Waypoints))
	for i, w := range body.Waypoints {
		coords[i] = [2]float64{w.Lng, w.Lat}
	}
	geometry, err := d.ORS.Directions(ctx, body.Profile, coords)
	if err != nil {
		return respondError(c, err)
	}
	pts := make([]routesafety.Point, len(geometry))
	for i, p := range geometry {
		pts[i] = routesafety.Point{Lat: p.Lat, Lng: p.Lng}
	}
	gated, err := d.gate(pts)
	if err != nil {
		return respondError(c, err)
	}
	rt, err := d.persistRouteWithExtra(c, "route from waypoints", store.SourceORSWaypoints, body.Profile, gated,
		map[string]any{"idempotencyKey": idemKey})
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusCreated, rt)
}

func (d Deps) listRoutes(c echo.Context) error {
	user := mw.UserFromContext(c.Request().Context())
	if user == nil {
		return respondError(c, apperr.AuthRequired("authentication required"))
	}
	routes, err := d.Store.ListRoutes(c.Request().Context(), user.ID)
	if err != nil {
		return respondError(c, apperr.Internal(err, "list routes"))
	}
	return c.JSON(http.StatusOK, map[string]any{"routes": routes})
}

func (d Deps) getRoute(c echo.Context) error {
	rt, err := d.Store.GetRoute(c.Request().Context(), c.Param("id"))
	if err != nil {
		return respondError(c, apperr.NotFound("route %s not found", c.Param("id")))
	}
	return c.JSON(http.StatusOK, rt)
}

func (d Deps) updateRouteConfig(c echo.Context) error {
	id := c.Param("id")
	rt, err := d.Store.GetRoute(c.Request().Context(), id)
	if err != nil {
		return respondError(c, apperr.NotFound("route %s not found", id))
	}
	var patch struct {
		SpeedKmh   *float64 `json:"speed"`
		AccuracyM  *float64 `json:"accuracy"`
		IntervalMs *int64   `json:"intervalMs"`
		Loop       *bool    `json:"loop"`
	}
	if err := c.Bind(&patch); err != nil {
		return respondError(c, apperr.Validation("malformed config body"))
	}
	cfg := rt.Config
	if patch.SpeedKmh != nil {
		cfg.SpeedKmh = *patch.SpeedKmh
	}
	if patch.AccuracyM != nil {
		cfg.AccuracyM = *patch.AccuracyM
	}
	if patch.IntervalMs != nil {
		cfg.IntervalMs = *patch.IntervalMs
	}
	if patch.Loop != nil {
		cfg.Loop = *patch.Loop
	}
	if err := d.Store.UpdateRouteConfig(c.Request().Context(), id, cfg); err != nil {
		return respondError(c, apperr.Internal(err, "update route config"))
	}
	return c.JSON(http.StatusOK, map[string]any{"success": true})
}

func (d Deps) deleteRoute(c echo.Context) error {
	id := c.Param("id")
	if _, err := d.Store.GetRoute(c.Request().Context(), id); err != nil {
		return respondError(c, apperr.NotFound("route %s not found", id))
	}
	if err := d.Store.DeleteRouteCascade(c.Request().Context(), id); err != nil {
		return respondError(c, apperr.Internal(err, "delete route"))
	}
	return c.JSON(http.StatusOK, map[string]any{"success": true})
}

// --- stream lifecycle ----------------------------------------------------

type streamRequest struct {
	DeviceID   string   `json:"deviceId"`
	RouteID    string   `json:"routeId"`
	SpeedKmh   *float64 `json:"speed"`
	AccuracyM  *float64 `json:"accuracy"`
	IntervalMs *int64   `json:"intervalMs"`
	Loop       *bool    `json:"loop"`
	Seconds    float64  `json:"seconds"`
}

func (d Deps) streamStart(c echo.Context) error {
	var body streamRequest
	if err := c.Bind(&body); err != nil || body.DeviceID == "" || body.RouteID == "" {
		return respondError(c, apperr.Validation("deviceId and routeId are required"))
	}
	status, err := d.Scheduler.Start(c.Request().Context(), body.DeviceID, body.RouteID, scheduler.Overrides{
		SpeedKmh: body.SpeedKmh, AccuracyM: body.AccuracyM, IntervalMs: body.IntervalMs, Loop: body.Loop,
	})
	if err != nil {
		return respondError(c, err)
	}
	if d.Metrics != nil {
		d.Metrics.ActiveStreams.Set(float64(len(d.Scheduler.ListActive())))
	}
	return c.JSON(http.StatusOK, status)
}

func (d Deps) streamPause(c echo.Context) error {
	var body streamRequest
	if err := c.Bind(&body); err != nil || body.DeviceID == "" {
		return respondError(c, apperr.Validation("deviceId is required"))
	}
	if err := d.Scheduler.Pause(c.Request().Context(), body.DeviceID); err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"success": true})
}

func (d Deps) streamResume(c echo.Context) error {
	var body streamRequest
	if err := c.Bind(&body); err != nil || body.DeviceID == "" {
		return respondError(c, apperr.Validation("deviceId is required"))
	}
	if err := d.Scheduler.Resume(c.Request().Context(), body.DeviceID); err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"success": true})
}

func (d Deps) streamStop(c echo.Context) error {
	var body streamRequest
	if err := c.Bind(&body); err != nil || body.DeviceID == "" {
		return respondError(c, apperr.Validation("deviceId is required"))
	}
	noop, err := d.Scheduler.Stop(c.Request().Context(), body.DeviceID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"success": true, "noop": noop})
}

func (d Deps) streamSkipDwell(c echo.Context) error {
	var body streamRequest
	if err := c.Bind(&body); err != nil || body.DeviceID == "" {
		return respondError(c, apperr.Validation("deviceId is required"))
	}
	if err := d.Scheduler.SkipDwell(body.DeviceID); err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"success": true})
}

func (d Deps) streamExtendDwell(c echo.Context) error {
	var body streamRequest
	if err := c.Bind(&body); err != nil || body.DeviceID == "" {
		return respondError(c, apperr.Validation("deviceId is required"))
	}
	if err := d.Scheduler.ExtendDwell(body.DeviceID, body.Seconds); err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"success": true})
}

func (d Deps) streamStatus(c echo.Context) error {
	deviceID := c.Param("deviceId")
	status, hot, ok := d.Scheduler.StatusOrHot(c.Request().Context(), deviceID)
	if !ok {
		return respondError(c, apperr.NotFound("no stream state for device %s", deviceID))
	}
	if status != nil {
		return c.JSON(http.StatusOK, status)
	}
	return c.JSON(http.StatusOK, hot)
}

func (d Deps) streamAll(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"streams": d.Scheduler.ListActive()})
}

func (d Deps) streamHistory(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	if limit <= 0 {
		limit = 50
	}
	history, err := d.Scheduler.History(c.Request().Context(), c.Param("deviceId"), limit)
	if err != nil {
		return respondError(c, apperr.Internal(err, "load stream history"))
	}
	return c.JSON(http.StatusOK, map[string]any{"history": history})
}

// --- geocoding -----------------------------------------------------------

func (d Deps) geocodeAutocomplete(c echo.Context) error {
	q := c.QueryParam("q")
	if q == "" {
		return respondError(c, apperr.Validation("q is required"))
	}
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	places, err := d.ORS.Autocomplete(c.Request().Context(), q, limit, c.QueryParam("country"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"suggestions": places})
}

// --- helpers ---------------------------------------------------------

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func readBody(c echo.Context) ([]byte, error) {
	req := c.Request()
	defer req.Body.Close()
	buf := make([]byte, 0, 4096)
	tmp := make([]byte, 4096)
	for {
		n, err := req.Body.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
		}
		if err != nil {
			break
		}
	}
	return buf, nil
}

func randomDigits(n int) (string, error) {
	digits := make([]byte, n)
	for i := range digits {
		num, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", err
		}
		digits[i] = byte('0' + num.Int64())
	}
	return string(digits), nil
}

func (d Deps) appendAudit(ctx context.Context, action string, userID, deviceID *string, meta map[string]any) {
	if err := d.Store.AppendAudit(ctx, &store.AuditEntry{
		ID: ulid.NewString(), Action: action, UserID: userID, DeviceID: deviceID,
		Meta: meta, CreatedAt: time.Now(),
	}); err != nil {
		d.Log.Warn("audit append failed", zap.String("action", action), zap.Error(err))
	}
}
