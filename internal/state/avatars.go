package state

// Avatar 是头像索引条目。Image 为 blob 目录下的文件名，Timestamp 为获取时间（Unix 毫秒）。
type Avatar struct {
	Image     string `json:"image"`
	Timestamp int64  `json:"timestamp"`
	Identicon bool   `json:"identicon"`
}

// AvatarCache 以身份标识（邮箱）为键。
type AvatarCache map[string]Avatar
