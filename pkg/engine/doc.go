// Package engine embeds the cxrag report engine in a Go program without the
// HTTP server.
//
// An Engine owns a case corpus and an in-memory vector index. Cases are
// ingested, the index is rebuilt, and reports are generated from image
// findings:
//
//	eng, _ := engine.New(ctx, engine.WithSnapshotFile("data/index.cxix"))
//	defer eng.Close()
//
//	_, _ = eng.Ingest(ctx, []engine.Case{
//	    {ID: "case1", ReportText: "Right lower lobe pneumonia."},
//	})
//	rep, _ := eng.Report(ctx, engine.ReportRequest{
//	    Findings: []engine.Finding{{Tag: "pneumonia", Confidence: 0.9}},
//	})
//	fmt.Println(rep.Impression)
//
// By default vectors come from the offline lexical embedder. WithOpenAI
// switches to an OpenAI-compatible provider; WithValkey adds a shared
// embedding cache and snapshot storage.
package engine
