package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"warpsurf/internal/domain"
)

type client struct {
	baseURL string
	http    *http.Client
}

type embeddedOrchestrator struct {
	cmd *exec.Cmd
}

func main() {
	addr := flag.String("addr", "http://localhost:8092", "orchestrator base URL")
	interval := flag.Duration("interval", 2*time.Second, "refresh interval")
	embedded := flag.Bool("embedded", true, "start orchestrator in the same monitor process lifecycle")
	orchestratorBinary := flag.String("orchestrator-bin", "", "path to orchestrator binary (optional in embedded mode)")
	dbPath := flag.String("db", "data/embedded.db", "sqlite db path for embedded orchestrator")
	demo := flag.Bool("demo", false, "run embedded orchestrator in demo mode")
	flag.Parse()

	c := &client{
		baseURL: strings.TrimRight(*addr, "/"),
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}

	var embeddedProc *embeddedOrchestrator
	var err error
	if *embedded {
		embeddedProc, err = startEmbeddedOrchestrator(*addr, *orchestratorBinary, *dbPath, *demo)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start embedded orchestrator: %v\n", err)
			os.Exit(1)
		}
		defer embeddedProc.Stop()
	}

	if err := waitHealth(c, 30*time.Second); err != nil {
		fmt.Fprintf(os.Stderr, "orchestrator health check failed: %v\n", err)
		os.Exit(1)
	}

	app := tview.NewApplication()
	plansTable := tview.NewTable().
		SetBorders(false).
		SetSelectable(true, false)
	plansTable.SetTitle("Plans (Enter inspect, F5 refresh, F10 quit)").SetBorder(true)

	subtasksView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	subtasksView.SetTitle("Subtasks").SetBorder(true)

	eventsView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	eventsView.SetTitle("Events").SetBorder(true)

	metricsView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	metricsView.SetTitle("Schedule Metrics").SetBorder(true)

	promptInput := tview.NewInputField().
		SetLabel("Task -> Planner: ")
	promptInput.SetBorder(true).SetTitle("Enter = plan+run task")

	statusView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	statusView.SetBorder(true).SetTitle("Status")
	statusView.SetText(fmt.Sprintf(
		"Connected to %s | embedded=%t | shortcuts: F10 quit, F5 refresh, Ctrl+L focus prompt, Ctrl+T focus plans",
		c.baseURL,
		*embedded,
	))

	right := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(subtasksView, 0, 2, false).
		AddItem(eventsView, 0, 2, false).
		AddItem(metricsView, 9, 0, false)

	mainLayout := tview.NewFlex().
		AddItem(plansTable, 0, 1, false).
		AddItem(right, 0, 2, false)

	root := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(mainLayout, 0, 12, false).
		AddItem(promptInput, 3, 0, true).
		AddItem(statusView, 3, 0, false)

	var selectedPlanID string
	var lastPlans []domain.PlanRecord
	var detailsVersion uint64

	setStatusUI := func(msg string) {
		statusView.SetText(msg)
	}
	setStatusAsync := func(msg string) {
		app.QueueUpdateDraw(func() {
			statusView.SetText(msg)
		})
	}

	refreshPlans := func() {
		plans, err := c.listPlans()
		if err != nil {
			app.QueueUpdateDraw(func() {
				plansTable.Clear()
				plansTable.SetCell(0, 0, tview.NewTableCell(fmt.Sprintf("load error: %v", err)).SetTextColor(tview.Styles.ContrastSecondaryTextColor))
			})
			return
		}
		lastPlans = plans
		app.QueueUpdateDraw(func() {
			renderPlansTable(plansTable, plans, selectedPlanID)
		})
	}

	refreshDetailsAsync := func(planID string) {
		if strings.TrimSpace(planID) == "" {
			return
		}
		version := atomic.AddUint64(&detailsVersion, 1)
		app.QueueUpdateDraw(func() {
			subtasksView.SetText("Loading...")
			eventsView.SetText("Loading...")
			metricsView.SetText("Loading...")
		})

		go func(selected string, v uint64) {
			subtasks, subErr := c.listSubtasks(selected)
			events, evErr := c.listEvents(selected, 200)
			report, repErr := c.getReport(selected)

			if atomic.LoadUint64(&detailsVersion) != v {
				return
			}
			app.QueueUpdateDraw(func() {
				if selected != selectedPlanID {
					return
				}
				if subErr != nil {
					subtasksView.SetText(fmt.Sprintf("error: %v", subErr))
				} else {
					subtasksView.SetText(renderSubtasks(subtasks))
				}
				if evErr != nil {
					eventsView.SetText(fmt.Sprintf("error: %v", evErr))
				} else {
					eventsView.SetText(renderEvents(events))
				}
				if repErr != nil {
					metricsView.SetText("No report yet")
				} else {
					metricsView.SetText(renderMetrics(report))
				}
			})
		}(planID, version)
	}

	submitTask := func(task string) {
		task = strings.TrimSpace(task)
		if task == "" {
			return
		}
		setStatusUI("Planning task...")
		promptInput.SetText("")
		go func(input string) {
			planID, err := c.submitTask(input)
			if err != nil {
				setStatusAsync("Failed to start plan: " + err.Error())
				return
			}
			selectedPlanID = planID
			refreshPlans()
			refreshDetailsAsync(selectedPlanID)
			setStatusAsync("Plan started: " + planID)
		}(task)
	}

	promptInput.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		submitTask(promptInput.GetText())
	})

	plansTable.SetSelectedFunc(func(row, _ int) {
		if row <= 0 || row > len(lastPlans) {
			return
		}
		selectedPlanID = lastPlans[row-1].ID
		refreshDetailsAsync(selectedPlanID)
	})

	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if app.GetFocus() == promptInput {
			if event.Key() == tcell.KeyEscape || event.Key() == tcell.KeyTAB {
				app.SetFocus(plansTable)
				setStatusUI("Focus -> plans")
				return nil
			}
			return event
		}

		switch event.Key() {
		case tcell.KeyEscape:
			app.SetFocus(plansTable)
			setStatusUI("Focus -> plans")
			return nil
		case tcell.KeyF10:
			app.Stop()
			return nil
		case tcell.KeyF5:
			refreshPlans()
			refreshDetailsAsync(selectedPlanID)
			setStatusUI("Manual refresh complete")
			return nil
		case tcell.KeyCtrlL:
			app.SetFocus(promptInput)
			setStatusUI("Focus -> prompt")
			return nil
		case tcell.KeyCtrlT:
			app.SetFocus(plansTable)
			setStatusUI("Focus -> plans")
			return nil
		case tcell.KeyCtrlX:
			if selectedPlanID != "" {
				go func(id string) {
					if err := c.cancelPlan(id); err != nil {
						setStatusAsync("Cancel failed: " + err.Error())
						return
					}
					setStatusAsync("Cancelling plan: " + id)
				}(selectedPlanID)
			}
			return nil
		case tcell.KeyTAB:
			app.SetFocus(promptInput)
			return nil
		case tcell.KeyRune:
			app.SetFocus(promptInput)
			return event
		}
		return event
	})

	go func() {
		ticker := time.NewTicker(*interval)
		defer ticker.Stop()

		refreshPlans()
		for _, p := range lastPlans {
			if p.Status == domain.PlanStatusRunning {
				selectedPlanID = p.ID
				break
			}
		}
		if selectedPlanID == "" && len(lastPlans) > 0 {
			selectedPlanID = lastPlans[0].ID
		}
		if selectedPlanID != "" {
			refreshDetailsAsync(selectedPlanID)
		}

		for range ticker.C {
			refreshPlans()
			if selectedPlanID == "" && len(lastPlans) > 0 {
				selectedPlanID = lastPlans[0].ID
			}
			refreshDetailsAsync(selectedPlanID)
		}
	}()

	if err := app.SetRoot(root, true).EnableMouse(true).SetFocus(promptInput).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "monitor failed: %v\n", err)
		os.Exit(1)
	}
}

func waitHealth(c *client, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		req, err := http.NewRequest(http.MethodGet, c.baseURL+"/healthz", nil)
		if err == nil {
			resp, err := c.http.Do(req)
			if err == nil {
				_ = resp.Body.Close()
				if resp.StatusCode < 300 {
					return nil
				}
			}
		}
		time.Sleep(400 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for /healthz")
}

func startEmbeddedOrchestrator(addr string, orchestratorBinary string, dbPath string, demo bool) (*embeddedOrchestrator, error) {
	parsed, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("parse addr: %w", err)
	}
	port := parsed.Port()
	if port == "" {
		return nil, fmt.Errorf("addr must include explicit port, got %q", addr)
	}
	addrArg := ":" + port

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	args := []string{"--addr", addrArg, "--db", dbPath}
	if demo {
		args = append(args, "--demo")
	}

	var cmd *exec.Cmd
	if strings.TrimSpace(orchestratorBinary) != "" {
		cmd = exec.Command(orchestratorBinary, args...)
	} else {
		self, err := os.Executable()
		if err == nil {
			sibling := filepath.Join(filepath.Dir(self), "orchestrator")
			if fileExists(sibling) {
				cmd = exec.Command(sibling, args...)
			}
		}
		if cmd == nil {
			cmd = exec.Command("go", append([]string{"run", "./cmd/orchestrator"}, args...)...)
			cwd, _ := os.Getwd()
			cmd.Dir = cwd
		}
	}

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start orchestrator process: %w", err)
	}

	return &embeddedOrchestrator{cmd: cmd}, nil
}

func (e *embeddedOrchestrator) Stop() {
	if e == nil || e.cmd == nil || e.cmd.Process == nil {
		return
	}
	_ = e.cmd.Process.Kill()
	_, _ = e.cmd.Process.Wait()
}

func renderPlansTable(table *tview.Table, plans []domain.PlanRecord, selectedPlanID string) {
	table.Clear()
	headers := []string{"Plan", "Status", "Subtasks", "Updated", "Task"}
	for i, h := range headers {
		table.SetCell(0, i, tview.NewTableCell(h).SetSelectable(false).SetAttributes(tcell.AttrBold))
	}
	for i, p := range plans {
		row := i + 1
		table.SetCell(row, 0, tview.NewTableCell(shortID(p.ID)))
		table.SetCell(row, 1, tview.NewTableCell(string(p.Status)))
		table.SetCell(row, 2, tview.NewTableCell(fmt.Sprintf("%d", p.SubtaskCount)))
		table.SetCell(row, 3, tview.NewTableCell(p.UpdatedAt.Format("15:04:05")))
		table.SetCell(row, 4, tview.NewTableCell(trimLine(p.Task, 64)))
		if p.ID == selectedPlanID {
			table.Select(row, 0)
		}
	}
}

func renderSubtasks(items []domain.SubtaskRecord) string {
	if len(items) == 0 {
		return "No subtasks"
	}
	var b strings.Builder
	for _, st := range items {
		marker := " "
		if st.Subtask.IsFinal {
			marker = "*"
		}
		b.WriteString(fmt.Sprintf(
			"%s %3d  %-11s  %s\n",
			marker,
			st.Subtask.ID,
			st.Status,
			trimLine(st.Subtask.Title, 56),
		))
		if st.Reason != "" {
			b.WriteString("       reason: " + trimLine(st.Reason, 70) + "\n")
		}
	}
	return b.String()
}

func renderEvents(items []domain.Event) string {
	if len(items) == 0 {
		return "No events"
	}
	var b strings.Builder
	for _, ev := range items {
		if ev.SubtaskID > 0 {
			b.WriteString(fmt.Sprintf("[%s] %-18s #%d  %s\n", ev.At.Format("15:04:05"), ev.Type, ev.SubtaskID, trimLine(ev.Message, 60)))
		} else {
			b.WriteString(fmt.Sprintf("[%s] %-18s     %s\n", ev.At.Format("15:04:05"), ev.Type, trimLine(ev.Message, 60)))
		}
	}
	return b.String()
}

func renderMetrics(report domain.Report) string {
	if report.Metrics == nil {
		return fmt.Sprintf("Plan %s: status=%s (no metrics)", shortID(report.PlanID), report.Status)
	}
	m := report.Metrics
	var b strings.Builder
	fmt.Fprintf(&b, "makespan=%d  work=%d  span=%d  workers_used=%d\n", m.Makespan, m.Work, m.Span, m.WorkersUsed)
	fmt.Fprintf(&b, "parallelism=%.2f  speedup=%.2f  efficiency=%.2f\n", m.Parallelism, m.Speedup, m.Efficiency)
	fmt.Fprintf(&b, "util avg/min/max=%.2f/%.2f/%.2f  imbalance=%.2f\n", m.AvgUtilization, m.MinUtilization, m.MaxUtilization, m.LoadImbalance)
	fmt.Fprintf(&b, "idle=%d (%.1f%%)  comm=%d  locality=%.1f\n", m.IdleTime, m.IdlePercentage, m.CommunicationVolume, m.LocalityScore)
	fmt.Fprintf(&b, "theoretical_min=%d  approx_ratio=%.2f\n", m.TheoreticalMinMakespan, m.ApproximationRatio)
	return b.String()
}

func (c *client) listPlans() ([]domain.PlanRecord, error) {
	var out []domain.PlanRecord
	if err := c.getJSON("/plans", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) listSubtasks(planID string) ([]domain.SubtaskRecord, error) {
	var out []domain.SubtaskRecord
	if err := c.getJSON("/plans/"+planID+"/subtasks", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) listEvents(planID string, limit int) ([]domain.Event, error) {
	var out []domain.Event
	if err := c.getJSON(fmt.Sprintf("/plans/%s/events?limit=%d", planID, limit), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) getReport(planID string) (domain.Report, error) {
	var out domain.Report
	if err := c.getJSON("/plans/"+planID+"/report", &out); err != nil {
		return domain.Report{}, err
	}
	return out, nil
}

func (c *client) submitTask(task string) (string, error) {
	body, err := json.Marshal(map[string]string{"task": task})
	if err != nil {
		return "", err
	}
	resp, err := c.http.Post(c.baseURL+"/plans", "application/json", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", decodeError(resp)
	}
	var out struct {
		PlanID string `json:"plan_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.PlanID, nil
}

func (c *client) cancelPlan(planID string) error {
	resp, err := c.http.Post(c.baseURL+"/plans/"+planID+"/cancel", "application/json", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	return nil
}

func (c *client) getJSON(path string, out any) error {
	resp, err := c.http.Get(c.baseURL + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func decodeError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error != "" {
		return fmt.Errorf("status=%d: %s", resp.StatusCode, payload.Error)
	}
	return fmt.Errorf("status=%d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

func trimLine(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
