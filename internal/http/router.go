// README: HTTP router registration (gin).
package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"campool/internal/http/handlers"
	"campool/internal/http/middleware"
	"campool/internal/modules/lifecycle"
	"campool/internal/modules/seatledger"
	"campool/internal/modules/trip"
)

type RouterDeps struct {
	Trips     *trip.Service
	Lifecycle *lifecycle.Service
	Jobs      *lifecycle.JobService
	Ledger    *seatledger.Service
	Policy    trip.FieldPolicy
	JWTSecret []byte
	Log       *zap.Logger
}

func NewRouter(deps RouterDeps) http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(middleware.Recovery(deps.Log))
	r.Use(middleware.Logging(deps.Log))

	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})

	tripHandler := handlers.NewTripHandler(deps.Trips, deps.Lifecycle, deps.Ledger, deps.Policy)
	bookingHandler := handlers.NewBookingHandler(deps.Lifecycle)
	jobHandler := handlers.NewJobHandler(deps.Jobs)

	api := r.Group("/api", middleware.Auth(deps.JWTSecret))

	driver := api.Group("", middleware.RequireRole(middleware.RoleDriver))
	driver.POST("/trips", tripHandler.Create)
	driver.GET("/trips/mine", tripHandler.ListMine)
	driver.POST("/trips/:id/publish", tripHandler.Publish)
	driver.PATCH("/trips/:id", tripHandler.Update)
	driver.POST("/trips/:id/cancel", tripHandler.Cancel)
	driver.GET("/trips/:id/bookings", tripHandler.ListBookings)
	driver.POST("/bookings/:id/accept", bookingHandler.Accept)
	driver.POST("/bookings/:id/decline", bookingHandler.Decline)

	api.GET("/trips/:id", tripHandler.Get)
	api.GET("/bookings/:id", bookingHandler.Get)

	passenger := api.Group("", middleware.RequireRole(middleware.RolePassenger))
	passenger.POST("/bookings", bookingHandler.Create)
	passenger.POST("/bookings/:id/cancel", bookingHandler.Cancel)

	admin := api.Group("/admin", middleware.RequireRole(middleware.RoleAdmin))
	admin.POST("/bookings/:id/paid", bookingHandler.MarkPaid)
	admin.POST("/jobs/sweep", jobHandler.Sweep)

	return r
}
