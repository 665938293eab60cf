package main

import (
	"context"
	"flag"
	"math/rand"
	"net/http"
	"time"

	"github.com/golang/glog"
	gometrics "github.com/rcrowley/go-metrics"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"

	"github.com/prebid/pg-engine/config"
	"github.com/prebid/pg-engine/deals"
	"github.com/prebid/pg-engine/deals/targeting"
	metricsConf "github.com/prebid/pg-engine/metrics/config"
	"github.com/prebid/pg-engine/router"
	"github.com/prebid/pg-engine/server"
	"github.com/prebid/pg-engine/util/randomutil"
	"github.com/prebid/pg-engine/util/task"
	"github.com/prebid/pg-engine/util/timeutil"
)

// Rev holds binary revision string
// Set manually at build time using:
//    go build -ldflags "-X main.Rev=`git rev-parse --short HEAD`"
var Rev string

// Version is the release tag, set at build time alongside Rev.
var Version string

func init() {
	rand.Seed(time.Now().UnixNano())
}

func main() {
	flag.Parse() // required for glog flags and testing package flags

	cfg, err := loadConfig()
	if err != nil {
		glog.Exitf("Configuration could not be loaded or did not pass validation: %v", err)
	}

	serve(cfg)
}

const configFileName = "pg-engine"

func loadConfig() (*config.Configuration, error) {
	v := viper.New()
	config.SetupViper(v, configFileName)
	return config.New(v)
}

func serve(cfg *config.Configuration) {
	clock := &timeutil.RealTime{}

	metricsRegistry := gometrics.NewPrefixedRegistry("pge.")
	metricsEngine := metricsConf.NewMetricsEngine(cfg, metricsRegistry)

	deploymentProperties := deals.DeploymentProperties{
		InstanceID: cfg.Deployment.InstanceID,
		Vendor:     cfg.Deployment.Vendor,
		Region:     cfg.Deployment.Region,
	}

	alertService := deals.NewAlertService(
		deals.AlertProperties{
			Endpoint: cfg.Deals.Alert.Endpoint,
			Username: cfg.Deals.Alert.Username,
			Password: cfg.Deals.Alert.Password,
			Timeout:  cfg.Deals.Alert.Timeout(),
			Period:   cfg.Deals.Alert.Period,
		},
		deals.AlertSource{
			Env:        cfg.Deployment.Env,
			DataCenter: cfg.Deployment.DataCenter,
			Region:     cfg.Deployment.Region,
			System:     cfg.Deployment.System,
			SubSystem:  cfg.Deployment.SubSystem,
			HostID:     cfg.Deployment.HostID,
		},
		&http.Client{Timeout: cfg.Deals.Alert.Timeout()},
		metricsEngine,
		clock,
	)

	lineItemService := deals.NewLineItemService(
		cfg.Deals.MaxDealsPerBidder,
		targeting.NewService(),
		nil,
		cfg.Deals.AdServerCurrency,
		clock,
		randomutil.RandomNumberGenerator{},
	)

	plannerService := deals.NewPlannerService(
		deals.PlannerProperties{
			PlanEndpoint: cfg.Deals.Planner.PlanEndpoint,
			Username:     cfg.Deals.Planner.Username,
			Password:     cfg.Deals.Planner.Password,
			Timeout:      cfg.Deals.Planner.Timeout(),
		},
		deploymentProperties,
		lineItemService,
		alertService,
		&http.Client{Timeout: cfg.Deals.Planner.Timeout()},
		metricsEngine,
		clock,
	)

	reportFactory := deals.NewDeliveryProgressReportFactory(
		deploymentProperties,
		cfg.Deals.CompetitorsNumber,
		lineItemService,
	)

	deliveryStatsService := deals.NewDeliveryStatsService(
		deals.DeliveryStatsProperties{
			Endpoint:                  cfg.Deals.DeliveryStats.Endpoint,
			Username:                  cfg.Deals.DeliveryStats.Username,
			Password:                  cfg.Deals.DeliveryStats.Password,
			LineItemsPerReport:        cfg.Deals.LineItemsPerReport,
			ReportsInterval:           time.Duration(cfg.Deals.DeliveryPeriodSec) * time.Second,
			BatchesInterval:           time.Duration(cfg.Deals.ReportBatchIntervalMs) * time.Millisecond,
			CachedReportsNumber:       cfg.Deals.CachedReportsNumber,
			Timeout:                   cfg.Deals.DeliveryStats.Timeout(),
			RequestCompressionEnabled: cfg.Deals.DeliveryStats.RequestCompressionEnabled,
		},
		reportFactory,
		alertService,
		&http.Client{Timeout: cfg.Deals.DeliveryStats.Timeout()},
		metricsEngine,
		clock,
	)

	deliveryProgressService := deals.NewDeliveryProgressService(
		deals.DeliveryProgressProperties{
			LineItemStatusTTL: time.Duration(cfg.Deals.LineItemStatusTTLSec) * time.Second,
			CachedPlansNumber: cfg.Deals.CachedPlansNumber,
		},
		lineItemService,
		deliveryStatsService,
		metricsEngine,
		clock,
	)

	tracerService := deals.NewTracerService(
		time.Duration(cfg.Deals.MaxTracerDurationSec)*time.Second,
		clock,
	)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Deals.UserData.Redis.Addr,
		Password: cfg.Deals.UserData.Redis.Password,
		DB:       cfg.Deals.UserData.Redis.DB,
	})
	userService := deals.NewUserService(redisClient, cfg.Deals.UserData.KeyPrefix, cfg.Deals.UserData.Timeout())
	dealsProcessor := deals.NewDealsProcessor(lineItemService, userService, clock)
	dealsService := deals.NewDealsService(lineItemService)

	var tickers []*task.TickerTask
	if cfg.Deals.Enabled {
		plannerTicker := task.NewTickerTaskFromFunc(
			time.Duration(cfg.Deals.Planner.UpdatePeriodSec)*time.Second,
			func() error {
				plannerService.UpdateLineItemMetaData(context.Background())
				return nil
			})
		plannerTicker.Start()

		if cfg.Deals.Planner.RegisterEndpoint != "" {
			registerService := deals.NewRegisterService(
				deals.RegisterProperties{
					Endpoint: cfg.Deals.Planner.RegisterEndpoint,
					Username: cfg.Deals.Planner.Username,
					Password: cfg.Deals.Planner.Password,
					Timeout:  cfg.Deals.Planner.Timeout(),
				},
				deploymentProperties,
				reportFactory,
				deliveryProgressService,
				deliveryStatsService,
				lineItemService,
				alertService,
				&http.Client{Timeout: cfg.Deals.Planner.Timeout()},
				metricsEngine,
				clock,
			)
			registerTicker := task.NewTickerTaskFromFunc(
				time.Duration(cfg.Deals.Planner.RegisterPeriodSec)*time.Second,
				func() error {
					registerService.Register(context.Background())
					return nil
				})
			registerTicker.Start()
			tickers = append(tickers, registerTicker)
		}

		planAdvanceTicker := task.NewTickerTaskWithOptions(task.Options{
			Interval: time.Duration(cfg.Deals.Planner.PlanAdvancePeriodSec) * time.Second,
			Runner: task.RunnerFunc(func() error {
				lineItemService.AdvanceToNextPlan()
				return nil
			}),
			SkipInitialRun: true,
		})
		planAdvanceTicker.Start()
		tickers = append(tickers, planAdvanceTicker)

		reportTicker := task.NewTickerTaskWithOptions(task.Options{
			Interval: time.Duration(cfg.Deals.DeliveryPeriodSec) * time.Second,
			Runner: task.RunnerFunc(func() error {
				deliveryProgressService.CreateDeliveryProgressReports()
				deliveryStatsService.SendDeliveryProgressReports(context.Background())
				return nil
			}),
			SkipInitialRun: true,
		})
		reportTicker.Start()

		tickers = append(tickers, plannerTicker, reportTicker)
	}

	services := router.Services{
		LineItemService:         lineItemService,
		PlannerService:          plannerService,
		DealsProcessor:          dealsProcessor,
		DealsService:            dealsService,
		DeliveryProgressService: deliveryProgressService,
		DeliveryStatsService:    deliveryStatsService,
		ReportFactory:           reportFactory,
		TracerService:           tracerService,
		MetricsEngine:           metricsEngine,
		Clock:                   clock,
	}

	r := router.New(cfg, services)
	corsRouter := router.SupportCORS(r)
	server.Listen(cfg, router.NoCache{Handler: corsRouter}, router.Admin(Version, Rev, services), metricsEngine)

	for _, ticker := range tickers {
		ticker.Stop()
	}
}
