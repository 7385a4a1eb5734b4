package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Profile describes one portal: where to log in, which selectors to use,
// and which parser strategy turns its pages into records.
type Profile struct {
	Name             string            `yaml:"name"`
	Parser           string            `yaml:"parser"`
	BaseURL          string            `yaml:"base_url"`
	LoginURL         string            `yaml:"login_url"`
	ProbeURL         string            `yaml:"probe_url"`
	AuthCookies      []string          `yaml:"auth_cookies"`
	Placeholders     []string          `yaml:"placeholders"`
	TitleKey         string            `yaml:"title_key"`
	EffectiveDateKey string            `yaml:"effective_date_key"`
	BotCheckMarkers  []string          `yaml:"bot_check_markers"`
	Login            LoginSelectors    `yaml:"login"`
	Captcha          CaptchaSelectors  `yaml:"captcha"`
	Document         DocumentSelectors `yaml:"document"`
}

// Step is one entry of an ordered fallback chain. Steps are tried in order
// and the first whose predicate holds is performed.
type Step struct {
	Action   string `yaml:"action"` // click, script or press
	Selector string `yaml:"selector"`
	Script   string `yaml:"script"`
	Key      string `yaml:"key"`
}

type LoginSelectors struct {
	Username         string   `yaml:"username"`
	Password         string   `yaml:"password"`
	Submit           []Step   `yaml:"submit"`
	DialogButton     string   `yaml:"dialog_button"`
	Consent          []Step   `yaml:"consent"`
	LoginFormMarkers []string `yaml:"login_form_markers"`
	LoggedInMarkers  []string `yaml:"logged_in_markers"`
}

type CaptchaSelectors struct {
	Image  string `yaml:"image"`
	Input  string `yaml:"input"`
	Submit string `yaml:"submit"`
}

type DocumentSelectors struct {
	ReadySelector   string            `yaml:"ready_selector"`
	RelationTab     []Step            `yaml:"relation_tab"`
	ExpandSelector  string            `yaml:"expand_selector"`
	MetadataScope   string            `yaml:"metadata_scope"`
	MetadataLabels  map[string]string `yaml:"metadata_labels"`
	Relations       map[string]string `yaml:"relations"`
	RelationInclude []string          `yaml:"relation_include"`
	RelationExclude []string          `yaml:"relation_exclude"`
	FilesTab        []Step            `yaml:"files_tab"`
	FilesSelector   string            `yaml:"files_selector"`
}

// DefaultProfile is used when no profile file exists.
func DefaultProfile() *Profile {
	return &Profile{
		Name:             "thuvienphapluat",
		Parser:           "portal",
		BaseURL:          "https://thuvienphapluat.vn/",
		LoginURL:         "https://thuvienphapluat.vn/",
		ProbeURL:         "https://thuvienphapluat.vn/",
		AuthCookies:      []string{".aspxauth", "auth", "authen", "member", "memberid"},
		Placeholders:     []string{"Dữ liệu đang cập nhật", "..."},
		TitleKey:         "so_hieu",
		EffectiveDateKey: "ngay_hieu_luc",
		BotCheckMarkers:  []string{"Verify you are human"},
		Login: LoginSelectors{
			Username: "#usernameTextBox",
			Password: "#passwordTextBox",
			Submit: []Step{
				{Action: "click", Selector: "#loginButton"},
				{Action: "click", Selector: "button:has-text('Đăng nhập')"},
				{Action: "click", Selector: "input[type='submit']"},
				{Action: "press", Selector: "#passwordTextBox", Key: "Enter"},
			},
			DialogButton: "div.ui-dialog-buttonpane button",
			Consent: []Step{
				{Action: "click", Selector: "button:has-text('Consent')"},
				{Action: "click", Selector: ".fc-cta-consent"},
				{Action: "click", Selector: "[aria-label='Consent']"},
				{Action: "click", Selector: "button:has-text('Do not consent')"},
			},
			LoginFormMarkers: []string{"#usernameTextBox"},
			LoggedInMarkers:  []string{"text=Đăng xuất"},
		},
		Captcha: CaptchaSelectors{
			Image:  "#ctl00_Content_pnlLoginTemplate img",
			Input:  "#ctl00_Content_txtSecCode",
			Submit: "#ctl00_Content_cmdLogin",
		},
		Document: DocumentSelectors{
			ReadySelector: "#tab4",
			RelationTab: []Step{
				{Action: "click", Selector: "#aLuocDo"},
				{Action: "click", Selector: "a[href='#tab4']"},
				{Action: "script", Script: "() => { location.hash = '#tab4'; }"},
			},
			ExpandSelector: ".dgcvm",
			MetadataScope:  "#tab4 table",
			MetadataLabels: map[string]string{
				"Số hiệu":           "so_hieu",
				"Loại văn bản":      "loai_van_ban",
				"Lĩnh vực, ngành":   "linh_vuc",
				"Nơi ban hành":      "noi_ban_hanh",
				"Người ký":          "nguoi_ky",
				"Ngày ban hành":     "ngay_ban_hanh",
				"Ngày hiệu lực":     "ngay_hieu_luc",
				"Ngày hết hiệu lực": "ngay_het_hieu_luc",
				"Số công báo":       "so_cong_bao",
				"Tình trạng":        "tinh_trang",
			},
			Relations: map[string]string{
				"guidedDocument":      "guided",
				"DuocHopNhatDocument": "consolidated",
				"amendedDocument":     "amended",
				"correctedDocument":   "corrected",
				"replacedDocument":    "replaced",
				"referentialDocument": "referenced",
				"basisDocument":       "basis",
				"contentConnection":   "content_related",
			},
			RelationInclude: []string{"/van-ban/", "/cong-van/"},
			RelationExclude: []string{"regcustorder", "action=chuyendoi"},
			FilesTab: []Step{
				{Action: "click", Selector: "#aTabTaiVe"},
				{Action: "click", Selector: "a[href='#tab8']"},
				{Action: "script", Script: "() => { location.hash = '#tab8'; }"},
			},
			FilesSelector: "#tab8 a[href]:not([href^='#'])",
		},
	}
}

// LoadProfile reads a YAML profile on top of DefaultProfile, so a profile
// file only needs the fields that differ. A missing file is not an error.
func LoadProfile(path string) (*Profile, error) {
	profile := DefaultProfile()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return profile, nil
		}
		return nil, fmt.Errorf("read profile %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, profile); err != nil {
		return nil, fmt.Errorf("parse profile %s: %w", path, err)
	}
	return profile, nil
}
