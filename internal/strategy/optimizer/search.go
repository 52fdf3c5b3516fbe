package optimizer

import (
	"fmt"
	"math"
	"sort"

	"qtune/internal/strategy/params"
)

// MaxCombinationsLimit 单次运行候选数的硬上限
const MaxCombinationsLimit = 5000

// maxGridSize 可枚举的笛卡尔积规模上限
const maxGridSize = 1 << 40

// Grid 枚举结果
type Grid struct {
	Candidates []params.Set
	// Total 截断前的笛卡尔积大小
	Total int
}

// EnumerateGrid 按 key 排序后按字典序做笛卡尔积，每个组合合并到 base 上并按哈希去重。
// 超过 min(maxCombinations, MaxCombinationsLimit) 时按等间距下标确定性截断。
func EnumerateGrid(base params.Set, space map[string][]params.Value, schema params.Schema, maxCombinations int) (Grid, error) {
	if maxCombinations <= 0 {
		return Grid{}, fmt.Errorf("max_combinations must be > 0, got %d", maxCombinations)
	}
	keys := make([]string, 0, len(space))
	for k := range space {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	values := make([][]params.Value, len(keys))
	for i, k := range keys {
		seen := make(map[string]bool)
		for _, raw := range space[k] {
			v, err := schema.Coerce(k, raw)
			if err != nil {
				return Grid{}, err
			}
			token := params.Set{k: v}.Hash()
			if seen[token] {
				continue
			}
			seen[token] = true
			values[i] = append(values[i], v)
		}
		if len(values[i]) == 0 {
			return Grid{}, fmt.Errorf("search space for %q has no values", k)
		}
	}
	if len(keys) == 0 {
		return Grid{}, fmt.Errorf("search space is empty")
	}

	total := 1
	for _, vs := range values {
		if total > maxGridSize/len(vs) {
			return Grid{}, fmt.Errorf("search space too large: more than %d combinations", maxGridSize)
		}
		total *= len(vs)
	}

	limit := maxCombinations
	if limit > MaxCombinationsLimit {
		limit = MaxCombinationsLimit
	}
	grid := Grid{Total: total, Candidates: make([]params.Set, 0, min(total, limit))}
	seen := make(map[string]bool)
	for _, n := range evenlySpacedIndices(total, limit) {
		merged := base.Merge(comboAt(keys, values, n))
		if token := merged.Hash(); !seen[token] {
			seen[token] = true
			grid.Candidates = append(grid.Candidates, merged)
		}
	}
	return grid, nil
}

// comboAt 解码字典序下标 n 对应的组合，末位 key 变化最快
func comboAt(keys []string, values [][]params.Value, n int) params.Set {
	combo := make(params.Set, len(keys))
	for i := len(keys) - 1; i >= 0; i-- {
		size := len(values[i])
		combo[keys[i]] = values[i][n%size]
		n /= size
	}
	return combo
}

// evenlySpacedIndices 从 total 个下标中取 keep 个：round(i*(total-1)/(keep-1))
func evenlySpacedIndices(total, keep int) []int {
	if keep <= 0 || total <= 0 {
		return nil
	}
	if keep >= total {
		out := make([]int, total)
		for i := range out {
			out[i] = i
		}
		return out
	}
	if keep == 1 {
		return []int{0}
	}
	out := make([]int, 0, keep)
	last := -1
	for i := 0; i < keep; i++ {
		j := int(math.Round(float64(i) * float64(total-1) / float64(keep-1)))
		if j <= last {
			j = last + 1
		}
		out = append(out, j)
		last = j
	}
	return out
}
