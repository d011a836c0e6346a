package main

import (
	"context"
	"fmt"
)

// ConvertRequest describes one conversion run.
type ConvertRequest struct {
	Dialect    string // registered dialect id, see supportedDialects
	DSN        string
	TargetPath string
	BatchSize  int // rows per INSERT; 0 means defaultBatchSize
	Hooks      HooksConfig
}

// Result summarizes a finished conversion.
type Result struct {
	Database string
	Tables   int
	Rows     int
	Warnings []ConstraintWarning
}

// convert copies every table of the source database into the SQLite file at
// req.TargetPath and then applies foreign keys on a best-effort basis.
func convert(ctx context.Context, req ConvertRequest, progress Progress) (*Result, error) {
	d, err := resolveDialect(req.Dialect)
	if err != nil {
		return nil, err
	}
	if req.TargetPath == "" {
		return nil, fmt.Errorf("%w: target path is empty", ErrTargetWrite)
	}

	dbName, err := d.dbName(req.DSN)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSourceIntrospection, err)
	}
	src, err := d.openSource(ctx, req.DSN)
	if err != nil {
		return nil, fmt.Errorf("%w: connect to %s: %w", ErrSourceIntrospection, d.Name, err)
	}
	defer src.Close()

	res, err := convertFrom(ctx, src, d.Rules, req, progress)
	if err != nil {
		return nil, err
	}
	res.Database = dbName
	return res, nil
}

// convertFrom runs a conversion from an already open source.
func convertFrom(ctx context.Context, src Source, rules []typeRule, req ConvertRequest, progress Progress) (*Result, error) {
	if progress == nil {
		progress = nopProgress{}
	}
	bundles, err := readBundles(ctx, src, progress)
	if err != nil {
		return nil, err
	}

	objs, err := src.SourceObjects(ctx)
	if err != nil {
		// Non-table objects are only reported, never converted.
		progress.Warn(fmt.Sprintf("could not list views, routines and triggers: %v", err))
	}
	for _, w := range sourceObjectWarnings(objs) {
		progress.Warn(w)
	}
	for _, w := range typeFallbackWarnings(bundles, rules) {
		progress.Warn(w)
	}

	progress.Writing(req.TargetPath)
	w, err := openSQLiteWriter(ctx, req.TargetPath, writerOptions{
		Rules:     rules,
		BatchSize: req.BatchSize,
		Hooks:     req.Hooks,
		Progress:  progress,
	})
	if err != nil {
		return nil, err
	}

	warnings, err := w.WriteAll(ctx, bundles)
	if closeErr := w.Close(); closeErr != nil && err == nil {
		err = fmt.Errorf("%w: close %s: %w", ErrTargetWrite, req.TargetPath, closeErr)
	}
	if err != nil {
		return nil, err
	}

	res := &Result{Tables: len(bundles), Warnings: warnings}
	for _, b := range bundles {
		res.Rows += len(b.Data.Rows)
	}
	for _, cw := range warnings {
		progress.Warn(cw.String())
	}
	return res, nil
}
