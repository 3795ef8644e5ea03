package main

import (
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/go-resty/resty/v2"

	"github.com/botsentinel/gosentinel/internal/domain"
	"github.com/botsentinel/gosentinel/internal/service"
)

var (
	// 样式定义
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("62")).
			Padding(0, 1)

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15"))

	okStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("2")) // 绿色

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("3")) // 黄色

	badStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("1")) // 红色

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	borderStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(0, 1)
)

type statusMsg struct {
	status service.Status
	err    error
}

type tickMsg time.Time

type model struct {
	api      *resty.Client
	status   service.Status
	lastErr  error
	fetched  time.Time
	interval time.Duration
}

func fetchStatus(api *resty.Client) tea.Cmd {
	return func() tea.Msg {
		var st service.Status
		resp, err := api.R().SetResult(&st).Get("/v1/status")
		if err != nil {
			return statusMsg{err: err}
		}
		if resp.IsError() {
			return statusMsg{err: fmt.Errorf("状态接口返回 %d", resp.StatusCode())}
		}
		return statusMsg{status: st}
	}
}

func tick(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) Init() tea.Cmd {
	return tea.Batch(fetchStatus(m.api), tick(m.interval))
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "r":
			return m, fetchStatus(m.api)
		}
	case statusMsg:
		if msg.err != nil {
			m.lastErr = msg.err
		} else {
			m.status = msg.status
			m.lastErr = nil
			m.fetched = time.Now()
		}
	case tickMsg:
		return m, tea.Batch(fetchStatus(m.api), tick(m.interval))
	}
	return m, nil
}

func (m model) View() string {
	var b strings.Builder

	b.WriteString(headerStyle.Render("BotSentinel 监控面板"))
	b.WriteString("\n\n")

	if m.lastErr != nil {
		b.WriteString(badStyle.Render(fmt.Sprintf("无法获取状态: %v", m.lastErr)))
		b.WriteString("\n\n")
	}

	// 价格摄取
	feed := m.status.Feed
	stateText := feed.State
	switch feed.State {
	case "connected":
		stateText = okStyle.Render(feed.State)
	case "reconnecting", "connecting":
		stateText = warnStyle.Render(feed.State)
	default:
		stateText = badStyle.Render(feed.State)
	}
	breaker := okStyle.Render("closed")
	if feed.BreakerOpen {
		breaker = badStyle.Render("OPEN (降级轮询)")
	}
	lastUpdate := "无"
	if feed.LastUpdateAtMs > 0 {
		lastUpdate = fmt.Sprintf("%.1fs 前", time.Since(time.UnixMilli(feed.LastUpdateAtMs)).Seconds())
	}
	feedBox := borderStyle.Render(fmt.Sprintf(
		"%s\n连接: %s  断路器: %s\n订阅: %d/%d  最近更新: %s",
		titleStyle.Render("价格摄取"),
		stateText, breaker, feed.Acked, feed.Requested, lastUpdate))
	b.WriteString(feedBox)
	b.WriteString("\n")

	// 分类与队列
	cats := make([]string, 0, len(m.status.Pending))
	for cat := range m.status.Pending {
		cats = append(cats, string(cat))
	}
	sort.Strings(cats)
	var pending strings.Builder
	for _, cat := range cats {
		n := m.status.Pending[domain.Category(cat)]
		line := fmt.Sprintf("%-11s %d", cat, n)
		switch domain.Category(cat) {
		case domain.CategoryBadBot:
			line = badStyle.Render(line)
		case domain.CategorySuspicious:
			line = warnStyle.Render(line)
		default:
			line = okStyle.Render(line)
		}
		pending.WriteString(line + "\n")
	}
	if pending.Len() == 0 {
		pending.WriteString(dimStyle.Render("队列为空\n"))
	}
	classBox := borderStyle.Render(fmt.Sprintf(
		"%s\n跟踪地址: %d  已分类事件: %d  批大小: %d\n%s",
		titleStyle.Render("分类引擎"),
		m.status.TrackedAddrs, m.status.Classified, m.status.Policy.BatchSize,
		strings.TrimRight(pending.String(), "\n")))
	b.WriteString(classBox)
	b.WriteString("\n")

	// 上报统计
	if len(m.status.FlushStats) > 0 {
		var stats strings.Builder
		for _, st := range m.status.FlushStats {
			stats.WriteString(fmt.Sprintf("%-11s 共 %d 次，成功 %d 次\n", st.Category, st.Total, st.Succeeded))
		}
		b.WriteString(borderStyle.Render(fmt.Sprintf("%s\n%s",
			titleStyle.Render("上报审计"), strings.TrimRight(stats.String(), "\n"))))
		b.WriteString("\n")
	}

	uptime := time.Duration(m.status.UptimeSeconds) * time.Second
	b.WriteString(dimStyle.Render(fmt.Sprintf(
		"\n运行 %s | 刷新于 %s | q 退出, r 手动刷新",
		uptime, m.fetched.Format("15:04:05"))))
	b.WriteString("\n")

	return b.String()
}

func main() {
	apiURL := flag.String("api", "http://127.0.0.1:8787", "状态 API 地址")
	interval := flag.Duration("interval", 2*time.Second, "刷新周期")
	flag.Parse()

	api := resty.New().
		SetBaseURL(strings.TrimSuffix(*apiURL, "/")).
		SetTimeout(5 * time.Second)

	m := model{api: api, interval: *interval}
	if _, err := tea.NewProgram(m, tea.WithAltScreen()).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "TUI 退出异常: %v\n", err)
		os.Exit(1)
	}
}
