// Command collimatorweb is a reference HTTP host for the cargoxray
// collimator engine: it exposes simulation runs as pollable jobs and, when
// a database is configured, persists collimator projects. It follows the
// teacher's own cmd/inmapweb in bootstrapping straight off the standard
// flag package rather than introducing a second configuration stack
// alongside the CLI's cobra/viper one.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/cargoxray/collimator/beam"
	"github.com/cargoxray/collimator/buildup"
	"github.com/cargoxray/collimator/internal/projectstore"
	"github.com/cargoxray/collimator/materials"
	"github.com/cargoxray/collimator/physics"
)

func main() {
	materialsDir := flag.String("materials", "./materials.d", "directory of material CSV files")
	buildupTable := flag.String("buildup-table", "", "path to the aggregate build-up parameter TOML file")
	databaseDSN := flag.String("database", "", "Postgres DSN for project persistence (empty disables it)")
	addr := flag.String("addr", ":8080", "address to listen on")
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	db, err := materials.LoadDirectory(*materialsDir)
	if err != nil {
		log.WithError(err).Fatal("loading material database")
	}

	var buTable *buildup.Table
	if *buildupTable != "" {
		buTable, err = materials.LoadBuildUpTable(*buildupTable)
		if err != nil {
			log.WithError(err).Fatal("loading build-up table")
		}
	}

	ph := physics.New(db, buTable)
	engine := beam.New(db, ph, buTable)

	var store projectstore.Store
	if *databaseDSN != "" {
		sqlDB, err := projectstore.Open(*databaseDSN)
		if err != nil {
			log.WithError(err).Fatal("connecting to project database")
		}
		defer sqlDB.Close()
		store = projectstore.NewPostgresStore(sqlDB)
		log.Info("project persistence enabled")
	} else {
		log.Warn("no -database given, project persistence endpoints are disabled")
	}

	srv := newServer(engine, store, NewJobManager(), log)

	log.WithField("addr", *addr).Info("collimatorweb listening")
	if err := srv.router.Run(*addr); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
